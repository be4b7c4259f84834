// Package config loads the service configuration file. The schema uses
// pointer fields so a partial file overrides only the values it names; the
// accessor methods fall back to the defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Defaults applied when the config file leaves a value unset.
const (
	DefaultListen        = ":8080"
	DefaultDBPath        = "traffic_counts.db"
	DefaultRateLimit     = 100
	DefaultSessionTTL    = time.Hour
	DefaultRetentionDays = 0 // 0 disables the retention sweep
)

// Config is the root configuration. All fields are optional in the file.
type Config struct {
	// Listen is the HTTP listen address serving the API and the stream.
	Listen *string `json:"listen,omitempty"`
	// APIKey is the shared secret for authentication and frame signing.
	APIKey *string `json:"api_key,omitempty"`
	// DBPath is the sqlite database file.
	DBPath *string `json:"db_path,omitempty"`
	// RateLimit is the per-client request quota per minute.
	RateLimit *int `json:"rate_limit,omitempty"`
	// SessionTTL is a duration string like "1h".
	SessionTTL *string `json:"session_ttl,omitempty"`
	// AllowedIPs, when non-empty, restricts connections to these addresses.
	AllowedIPs []string `json:"allowed_ips,omitempty"`
	// BlockedIPs are always refused.
	BlockedIPs []string `json:"blocked_ips,omitempty"`
	// RetentionDays prunes records older than this many days. Zero keeps
	// everything.
	RetentionDays *int `json:"retention_days,omitempty"`
	// IngestListen is the UDP address the count producer sends datagrams to.
	IngestListen *string `json:"ingest_listen,omitempty"`
	// Fixtures is a newline-delimited JSON file replayed in dev mode.
	Fixtures *string `json:"fixtures,omitempty"`
}

// Load reads and parses the config file at path. A missing file yields an
// empty Config and no error, so a bare deployment runs on defaults.
func Load(path string) (*Config, error) {
	var c Config
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if _, err := c.SessionTTLDuration(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Merge overlays set fields from o onto c and returns c. Flag overrides use
// this to win over the file.
func (c *Config) Merge(o *Config) *Config {
	if o == nil {
		return c
	}
	if o.Listen != nil {
		c.Listen = o.Listen
	}
	if o.APIKey != nil {
		c.APIKey = o.APIKey
	}
	if o.DBPath != nil {
		c.DBPath = o.DBPath
	}
	if o.RateLimit != nil {
		c.RateLimit = o.RateLimit
	}
	if o.SessionTTL != nil {
		c.SessionTTL = o.SessionTTL
	}
	if len(o.AllowedIPs) > 0 {
		c.AllowedIPs = o.AllowedIPs
	}
	if len(o.BlockedIPs) > 0 {
		c.BlockedIPs = o.BlockedIPs
	}
	if o.RetentionDays != nil {
		c.RetentionDays = o.RetentionDays
	}
	if o.IngestListen != nil {
		c.IngestListen = o.IngestListen
	}
	if o.Fixtures != nil {
		c.Fixtures = o.Fixtures
	}
	return c
}

func (c *Config) ListenAddr() string {
	if c.Listen != nil {
		return *c.Listen
	}
	return DefaultListen
}

func (c *Config) Key() string {
	if c.APIKey != nil {
		return *c.APIKey
	}
	return ""
}

func (c *Config) Database() string {
	if c.DBPath != nil {
		return *c.DBPath
	}
	return DefaultDBPath
}

func (c *Config) Rate() int {
	if c.RateLimit != nil {
		return *c.RateLimit
	}
	return DefaultRateLimit
}

// SessionTTLDuration parses the session_ttl field, defaulting to one hour.
func (c *Config) SessionTTLDuration() (time.Duration, error) {
	if c.SessionTTL == nil {
		return DefaultSessionTTL, nil
	}
	d, err := time.ParseDuration(*c.SessionTTL)
	if err != nil {
		return 0, fmt.Errorf("parse session_ttl %q: %w", *c.SessionTTL, err)
	}
	return d, nil
}

func (c *Config) Retention() int {
	if c.RetentionDays != nil {
		return *c.RetentionDays
	}
	return DefaultRetentionDays
}

func (c *Config) Ingest() string {
	if c.IngestListen != nil {
		return *c.IngestListen
	}
	return ""
}

func (c *Config) FixturesPath() string {
	if c.Fixtures != nil {
		return *c.Fixtures
	}
	return ""
}
