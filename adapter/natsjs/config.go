package natsjs

import (
	"fmt"
	"strings"
	"time"
)

// Config for the JetStream transport.
type Config struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration

	Stream        string
	SubjectPrefix string
	// MaxAge bounds stream retention. Zero keeps messages until deleted.
	MaxAge     time.Duration
	Duplicates time.Duration
	MemoryOnly bool

	AckWait         time.Duration
	FetchWait       time.Duration
	RedeliveryDelay time.Duration
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	return Config{
		URL:             "nats://127.0.0.1:4222",
		Name:            "xgate",
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		Stream:          "XGATE",
		SubjectPrefix:   "xgate.",
		Duplicates:      2 * time.Minute,
		AckWait:         30 * time.Second,
		FetchWait:       2 * time.Second,
		RedeliveryDelay: time.Second,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("config: url required")
	}
	if c.Stream == "" || strings.ContainsAny(c.Stream, ".*> \t/\\") {
		return fmt.Errorf("config: invalid stream name %q", c.Stream)
	}
	if c.SubjectPrefix != "" && !strings.HasSuffix(c.SubjectPrefix, ".") {
		return fmt.Errorf("config: subject_prefix must end with '.', got %q", c.SubjectPrefix)
	}
	if c.AckWait <= 0 || c.FetchWait <= 0 {
		return fmt.Errorf("config: ack_wait and fetch_wait must be > 0")
	}
	return nil
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"url":              c.URL,
		"name":             c.Name,
		"max_reconnects":   c.MaxReconnects,
		"reconnect_wait":   c.ReconnectWait,
		"stream":           c.Stream,
		"subject_prefix":   c.SubjectPrefix,
		"max_age":          c.MaxAge,
		"duplicates":       c.Duplicates,
		"memory_only":      c.MemoryOnly,
		"ack_wait":         c.AckWait,
		"fetch_wait":       c.FetchWait,
		"redelivery_delay": c.RedeliveryDelay,
	}
}

// ConfigFromMap converts a generic map to Config on top of Defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["url"].(string); ok && v != "" {
		c.URL = v
	}
	if v, ok := m["name"].(string); ok && v != "" {
		c.Name = v
	}
	if v, ok := getInt(m, "max_reconnects"); ok {
		c.MaxReconnects = v
	}
	if v, ok := getDur(m, "reconnect_wait"); ok && v > 0 {
		c.ReconnectWait = v
	}
	if v, ok := m["stream"].(string); ok && v != "" {
		c.Stream = v
	}
	if v, ok := m["subject_prefix"].(string); ok {
		c.SubjectPrefix = v
	}
	if v, ok := getDur(m, "max_age"); ok {
		c.MaxAge = v
	}
	if v, ok := getDur(m, "duplicates"); ok && v > 0 {
		c.Duplicates = v
	}
	if v, ok := m["memory_only"].(bool); ok {
		c.MemoryOnly = v
	}
	if v, ok := getDur(m, "ack_wait"); ok && v > 0 {
		c.AckWait = v
	}
	if v, ok := getDur(m, "fetch_wait"); ok && v > 0 {
		c.FetchWait = v
	}
	if v, ok := getDur(m, "redelivery_delay"); ok {
		c.RedeliveryDelay = v
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
