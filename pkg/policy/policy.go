// Package policy classifies SQL statements and cache commands and decides
// whether a role may run them. Everything in this package is synchronous and
// side-effect-free: decisions are derived purely from (role, input).
package policy

import (
	"fmt"
	"regexp"
)

// Operator roles, in descending privilege order.
const (
	RoleMaster = "MASTER"
	RoleUser   = "USER"
	RoleReader = "READER"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed          bool
	RequiresPassword bool
	Reason           string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// identifierRe matches safe schema identifiers usable in SET search_path.
var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name is a safe SQL identifier.
func ValidIdentifier(name string) bool {
	return identifierRe.MatchString(name)
}

// Authorize applies the role/category matrix to a classified batch. If any
// statement falls in a denied category the whole batch is denied, with the
// reason naming the offending category. If any statement is dangerous under
// MASTER, the decision carries RequiresPassword for the batch.
func Authorize(role string, categories []StatementCategory) Decision {
	d := allow()

	for _, cat := range categories {
		switch cat {
		case CategorySelect:
			// Allowed for every role.

		case CategoryWrite, CategoryDDLSafe, CategoryTransactionControl:
			if role == RoleReader {
				return deny("role %s may not execute %s statements", role, cat)
			}

		case CategoryDMLDestructive, CategoryDDLDestructive, CategoryDMLUnboundedUpdate:
			if role != RoleMaster {
				return deny("role %s may not execute %s statements", role, cat)
			}
			d.RequiresPassword = true

		case CategoryBlockedSystem:
			return deny("%s statements are blocked for all roles", cat)

		default:
			return deny("unrecognised statement category %q", cat)
		}
	}
	return d
}
