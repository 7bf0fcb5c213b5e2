package policy

import (
	"strings"
)

// CommandClass is the coarse classification of a cache command.
type CommandClass string

const (
	ClassRead    CommandClass = "read"
	ClassWrite   CommandClass = "write"
	ClassBlocked CommandClass = "blocked"
	ClassRaw     CommandClass = "raw"
)

// RawCommand is the structured command name for the MASTER-only free-form
// passthrough. The first token of its argument is checked against the
// blocked set like any other command.
const RawCommand = "RAW"

const (
	maxPatternLen    = 500
	maxRawCommandLen = 10000
)

// blockedCommands can never be executed from the control plane, regardless of
// role and including in raw mode.
var blockedCommands = map[string]struct{}{
	"FLUSHDB": {}, "FLUSHALL": {}, "SHUTDOWN": {}, "DEBUG": {},
	"SLAVEOF": {}, "REPLICAOF": {}, "FAILOVER": {}, "CLUSTER": {},
	"EVAL": {}, "EVALSHA": {}, "EVAL_RO": {}, "EVALSHA_RO": {},
	"SCRIPT": {}, "FUNCTION": {}, "FCALL": {}, "FCALL_RO": {},
	"MODULE": {}, "MIGRATE": {}, "ACL": {}, "CONFIG": {},
	"SUBSCRIBE": {}, "PSUBSCRIBE": {}, "SSUBSCRIBE": {}, "MONITOR": {},
	"WAIT": {}, "WAITAOF": {},
	"BLPOP": {}, "BRPOP": {}, "BLMOVE": {}, "BRPOPLPUSH": {}, "BLMPOP": {},
	"BZPOPMIN": {}, "BZPOPMAX": {}, "BZMPOP": {},
	"SELECT": {}, "SWAPDB": {},
	"MULTI": {}, "EXEC": {}, "DISCARD": {}, "WATCH": {}, "UNWATCH": {},
	"CLIENT": {}, "RESET": {}, "HELLO": {}, "AUTH": {}, "QUIT": {},
	"BGSAVE": {}, "BGREWRITEAOF": {}, "SAVE": {}, "KEYS": {},
}

// readCommands never mutate data; everything not read or blocked is a write.
var readCommands = map[string]struct{}{
	"GET": {}, "MGET": {}, "EXISTS": {}, "TTL": {}, "PTTL": {},
	"TYPE": {}, "STRLEN": {}, "GETRANGE": {}, "SCAN": {},
	"HGET": {}, "HMGET": {}, "HGETALL": {}, "HKEYS": {}, "HVALS": {}, "HLEN": {}, "HEXISTS": {},
	"LRANGE": {}, "LLEN": {}, "LINDEX": {},
	"SMEMBERS": {}, "SCARD": {}, "SISMEMBER": {}, "SRANDMEMBER": {},
	"ZRANGE": {}, "ZRANGEBYSCORE": {}, "ZCARD": {}, "ZSCORE": {}, "ZRANK": {},
	"DBSIZE": {}, "MEMORY": {}, "OBJECT": {}, "RANDOMKEY": {},
}

// ClassifyCommand returns the coarse class of a cache command name.
func ClassifyCommand(command string) CommandClass {
	upper := strings.ToUpper(strings.TrimSpace(command))
	if upper == RawCommand {
		return ClassRaw
	}
	if _, ok := blockedCommands[upper]; ok {
		return ClassBlocked
	}
	if _, ok := readCommands[upper]; ok {
		return ClassRead
	}
	return ClassWrite
}

// AuthorizeRedis decides whether role may run the given command with args.
// Raw mode is MASTER-only and its embedded command is re-checked against the
// blocked set. Arguments are screened for NUL bytes; raw commands are also
// bounded in length.
func AuthorizeRedis(role, command string, args []string) Decision {
	for _, a := range args {
		if strings.ContainsRune(a, 0) {
			return deny("arguments must not contain NUL bytes")
		}
	}

	class := ClassifyCommand(command)

	if class == ClassRaw {
		if role != RoleMaster {
			return deny("raw commands require the %s role", RoleMaster)
		}
		raw := strings.TrimSpace(strings.Join(args, " "))
		if raw == "" {
			return deny("raw command is empty")
		}
		if len(raw) > maxRawCommandLen {
			return deny("raw command exceeds %d characters", maxRawCommandLen)
		}
		embedded := strings.Fields(raw)[0]
		if _, blocked := blockedCommands[strings.ToUpper(embedded)]; blocked {
			return deny("command %s is blocked", strings.ToUpper(embedded))
		}
		return allow()
	}

	switch class {
	case ClassBlocked:
		return deny("command %s is blocked", strings.ToUpper(strings.TrimSpace(command)))
	case ClassWrite:
		if role == RoleReader {
			return deny("role %s may not execute write commands", role)
		}
	}
	return allow()
}

// ValidateScanPattern screens a SCAN pattern. Wildcard-only patterns would
// match every key in the cluster and are refused for all roles.
func ValidateScanPattern(pattern string) Decision {
	switch pattern {
	case "", "*", "**", "?":
		return deny("pattern %q matches every key; refusing", pattern)
	}
	if strings.ContainsRune(pattern, 0) {
		return deny("pattern must not contain NUL bytes")
	}
	if len(pattern) > maxPatternLen {
		return deny("pattern exceeds %d characters", maxPatternLen)
	}
	return allow()
}
