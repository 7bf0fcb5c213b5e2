package cloud

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Kind distinguishes the two cluster flavours QueryOwl fans out to.
type Kind string

const (
	KindSQL Kind = "sql"
	KindKV  Kind = "kv"
)

// DBConfig describes one logical database hosted on an SQL cloud.
type DBConfig struct {
	Name          string   `json:"name"`
	Host          string   `json:"host"`
	Port          int      `json:"port"`
	User          string   `json:"user"`
	Password      string   `json:"password"`
	Database      string   `json:"database"`
	Schemas       []string `json:"schemas"`
	DefaultSchema string   `json:"defaultSchema"`
}

// SQLCloud is a named relational cluster hosting one or more databases.
type SQLCloud struct {
	CloudName string     `json:"cloudName"`
	DBConfigs []DBConfig `json:"db_configs"`
}

// KVCloud is a named key-value cluster reachable through a seed endpoint.
type KVCloud struct {
	CloudName string `json:"cloudName"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Password  string `json:"password,omitempty"`
}

// Config is the declarative cloud inventory loaded at startup.
type Config struct {
	Primary     SQLCloud   `json:"primary"`
	Secondaries []SQLCloud `json:"secondaries"`
	KVClouds    []KVCloud  `json:"kv_clouds"`
}

// secretsRoot is where ${SECRET:name:key} references are resolved from.
const secretsRoot = "/secrets"

var placeholderRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// substitute expands ${VAR} from the environment and ${SECRET:name:key} from
// the secrets filesystem. Unknown variables expand to the empty string, which
// validation then catches as a missing required field.
func substitute(raw []byte) ([]byte, error) {
	var firstErr error
	out := placeholderRe.ReplaceAllFunc(raw, func(m []byte) []byte {
		ref := string(m[2 : len(m)-1])
		if name, ok := strings.CutPrefix(ref, "SECRET:"); ok {
			parts := strings.SplitN(name, ":", 2)
			if len(parts) != 2 {
				if firstErr == nil {
					firstErr = fmt.Errorf("malformed secret reference %q", ref)
				}
				return nil
			}
			val, err := os.ReadFile(filepath.Join(secretsRoot, parts[0], parts[1]))
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("reading secret %q: %w", ref, err)
				}
				return nil
			}
			return []byte(strings.TrimSpace(string(val)))
		}
		return []byte(os.Getenv(ref))
	})
	return out, firstErr
}

// LoadConfig reads, substitutes, parses, and validates the cloud inventory.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading clouds config: %w", err)
	}

	expanded, err := substitute(raw)
	if err != nil {
		return nil, fmt.Errorf("expanding clouds config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing clouds config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating clouds config: %w", err)
	}
	return &cfg, nil
}

// Validate enforces the structural rules of the inventory: the primary cloud
// is mandatory and fully specified, secondaries mirror its shape, and KV
// clouds carry a seed endpoint.
func (c *Config) Validate() error {
	if err := validateSQLCloud(c.Primary, "primary"); err != nil {
		return err
	}
	for i, s := range c.Secondaries {
		if err := validateSQLCloud(s, fmt.Sprintf("secondaries[%d]", i)); err != nil {
			return err
		}
	}
	for i, k := range c.KVClouds {
		where := fmt.Sprintf("kv_clouds[%d]", i)
		if k.CloudName == "" {
			return fmt.Errorf("%s: cloudName is required", where)
		}
		if k.Host == "" || k.Port == 0 {
			return fmt.Errorf("%s (%s): host and port are required", where, k.CloudName)
		}
	}

	// Names are unique per kind; a deployment may reuse one name for a
	// cloud's SQL and KV faces.
	sqlSeen := make(map[string]struct{})
	for _, s := range c.SQLClouds() {
		if _, dup := sqlSeen[s.CloudName]; dup {
			return fmt.Errorf("duplicate sql cloud name %q", s.CloudName)
		}
		sqlSeen[s.CloudName] = struct{}{}
	}
	kvSeen := make(map[string]struct{})
	for _, k := range c.KVClouds {
		if _, dup := kvSeen[k.CloudName]; dup {
			return fmt.Errorf("duplicate kv cloud name %q", k.CloudName)
		}
		kvSeen[k.CloudName] = struct{}{}
	}
	return nil
}

func validateSQLCloud(s SQLCloud, where string) error {
	if s.CloudName == "" {
		return fmt.Errorf("%s: cloudName is required", where)
	}
	if len(s.DBConfigs) == 0 {
		return fmt.Errorf("%s (%s): at least one db config is required", where, s.CloudName)
	}
	for i, d := range s.DBConfigs {
		switch {
		case d.Name == "":
			return fmt.Errorf("%s (%s): db_configs[%d].name is required", where, s.CloudName, i)
		case d.Host == "" || d.Port == 0:
			return fmt.Errorf("%s (%s): db %q needs host and port", where, s.CloudName, d.Name)
		case d.User == "" || d.Password == "":
			return fmt.Errorf("%s (%s): db %q needs user and password", where, s.CloudName, d.Name)
		case d.Database == "":
			return fmt.Errorf("%s (%s): db %q needs a database", where, s.CloudName, d.Name)
		case len(d.Schemas) == 0 || d.DefaultSchema == "":
			return fmt.Errorf("%s (%s): db %q needs schemas and a defaultSchema", where, s.CloudName, d.Name)
		}
	}
	return nil
}

// SQLClouds returns the primary followed by all secondary clouds.
func (c *Config) SQLClouds() []SQLCloud {
	out := make([]SQLCloud, 0, 1+len(c.Secondaries))
	out = append(out, c.Primary)
	out = append(out, c.Secondaries...)
	return out
}

// CloudNames returns every declared cloud name, SQL first.
func (c *Config) CloudNames() []string {
	var names []string
	for _, s := range c.SQLClouds() {
		names = append(names, s.CloudName)
	}
	for _, k := range c.KVClouds {
		names = append(names, k.CloudName)
	}
	return names
}

// FindSQL returns the SQL cloud with the given name.
func (c *Config) FindSQL(name string) (SQLCloud, bool) {
	for _, s := range c.SQLClouds() {
		if s.CloudName == name {
			return s, true
		}
	}
	return SQLCloud{}, false
}

// FindDB returns the database config for a (cloud, database) pair.
func (c *Config) FindDB(cloudName, database string) (DBConfig, bool) {
	s, ok := c.FindSQL(cloudName)
	if !ok {
		return DBConfig{}, false
	}
	for _, d := range s.DBConfigs {
		if d.Name == database {
			return d, true
		}
	}
	return DBConfig{}, false
}

// FindKV returns the KV cloud with the given name.
func (c *Config) FindKV(name string) (KVCloud, bool) {
	for _, k := range c.KVClouds {
		if k.CloudName == name {
			return k, true
		}
	}
	return KVCloud{}, false
}
