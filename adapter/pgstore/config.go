package pgstore

import (
	"fmt"
	"regexp"
	"time"
)

// Config for the PostgreSQL store.
type Config struct {
	// DSN is a lib/pq connection string or URL.
	DSN   string
	Table string
	// AutoMigrate creates the table on start when it is missing.
	AutoMigrate bool

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

func Defaults() Config {
	return Config{
		DSN:             "host=localhost port=5432 user=xgate password=xgate dbname=xgate sslmode=disable",
		Table:           "xgate_kv",
		AutoMigrate:     true,
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
		ConnectTimeout:  5 * time.Second,
	}
}

var identifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

func (c Config) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("config: dsn required")
	}
	// The table name is spliced into SQL text.
	if !identifier.MatchString(c.Table) {
		return fmt.Errorf("config: invalid table name %q", c.Table)
	}
	if c.MaxOpenConns < 1 {
		return fmt.Errorf("config: max_open_conns must be >= 1, got %d", c.MaxOpenConns)
	}
	return nil
}

func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["dsn"].(string); ok && v != "" {
		c.DSN = v
	}
	if v, ok := m["table"].(string); ok && v != "" {
		c.Table = v
	}
	if v, ok := m["auto_migrate"].(bool); ok {
		c.AutoMigrate = v
	}
	if v, ok := getInt(m, "max_open_conns"); ok && v > 0 {
		c.MaxOpenConns = v
	}
	if v, ok := getInt(m, "max_idle_conns"); ok && v >= 0 {
		c.MaxIdleConns = v
	}
	if v, ok := getDur(m, "conn_max_lifetime"); ok {
		c.ConnMaxLifetime = v
	}
	if v, ok := getDur(m, "connect_timeout"); ok && v > 0 {
		c.ConnectTimeout = v
	}
	return c
}

func getInt(m map[string]any, k string) (int, bool) {
	switch v := m[k].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func getDur(m map[string]any, k string) (time.Duration, bool) {
	switch v := m[k].(type) {
	case time.Duration:
		return v, true
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d, true
		}
	}
	return 0, false
}
