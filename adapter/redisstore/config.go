package redisstore

import (
	"fmt"
	"time"
)

// Config for the Redis store and cache. Store and cache usually point at
// different numbered databases of the same server.
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int
	// Prefix is prepended to every key, e.g. "xgate:".
	Prefix string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	// ScanCount is the COUNT hint used when listing bucket keys.
	ScanCount int64
}

// Defaults returns a Config for a local Redis.
func Defaults() Config {
	return Config{
		Addr:         "127.0.0.1:6379",
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     10,
		ScanCount:    256,
	}
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.DB < 0 {
		return fmt.Errorf("config: db must be >= 0, got %d", c.DB)
	}
	if c.ScanCount < 1 {
		return fmt.Errorf("config: scan_count must be >= 1, got %d", c.ScanCount)
	}
	return nil
}

// ConfigFromMap converts a generic map to Config with defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["addr"].(string); ok && v != "" {
		c.Addr = v
	}
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	if v, ok := getInt(m, "db"); ok {
		c.DB = v
	}
	if v, ok := m["prefix"].(string); ok {
		c.Prefix = v
	}
	if v, ok := getDur(m, "dial_timeout"); ok && v > 0 {
		c.DialTimeout = v
	}
	if v, ok := getDur(m, "read_timeout"); ok && v > 0 {
		c.ReadTimeout = v
	}
	if v, ok := getDur(m, "write_timeout"); ok && v > 0 {
		c.WriteTimeout = v
	}
	if v, ok := getInt(m, "pool_size"); ok && v > 0 {
		c.PoolSize = v
	}
	if v, ok := getInt(m, "scan_count"); ok && v > 0 {
		c.ScanCount = int64(v)
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
