package redisstream

import (
	"fmt"
	"os"
	"time"
)

// Config for Redis Streams transport.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Consumer
	Consumer   string
	BatchSize  int
	Block      time.Duration
	AutoCreate bool

	// Stream management
	AutoDeleteOnAck bool
	DeadLetter      string
	MaxLenApprox    int64

	// RedeliveryDelay is the pause before a nacked entry is read again.
	RedeliveryDelay time.Duration

	// Pending entry recovery: entries idle on other consumers longer than
	// ClaimMinIdle are claimed and redelivered here.
	ClaimMinIdle  time.Duration
	ClaimBatch    int
	ClaimInterval time.Duration
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xgate"
	}

	return Config{
		Addr:            "127.0.0.1:6379",
		DB:              0,
		TLS:             false,
		Consumer:        fmt.Sprintf("xgate-%s-%d", hostname, os.Getpid()),
		BatchSize:       64,
		Block:           5 * time.Second,
		AutoCreate:      true,
		AutoDeleteOnAck: false,
		RedeliveryDelay: time.Second,
		ClaimMinIdle:    5 * time.Minute,
		ClaimBatch:      128,
		ClaimInterval:   30 * time.Second,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Block <= 0 {
		return fmt.Errorf("config: block must be > 0, got %v", c.Block)
	}
	if c.ClaimMinIdle > 0 && c.ClaimInterval <= 0 {
		return fmt.Errorf("config: claim_interval must be > 0 if claim_min_idle is set")
	}
	return nil
}

// toMap converts Config to generic map for transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":               c.Addr,
		"username":           c.Username,
		"password":           c.Password,
		"db":                 c.DB,
		"tls":                c.TLS,
		"tls_server_name":    c.TLSServerName,
		"consumer":           c.Consumer,
		"batch_size":         c.BatchSize,
		"block":              c.Block,
		"auto_create":        c.AutoCreate,
		"auto_delete_on_ack": c.AutoDeleteOnAck,
		"dead_letter":        c.DeadLetter,
		"max_len_approx":     c.MaxLenApprox,
		"redelivery_delay":   c.RedeliveryDelay,
		"claim_min_idle":     c.ClaimMinIdle,
		"claim_batch":        c.ClaimBatch,
		"claim_interval":     c.ClaimInterval,
	}
}

// ConfigFromMap safely converts generic map to Config with defaults.
// Durations may be given as time.Duration or as strings like "5s".
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
	if v, ok := m["tls"].(bool); ok {
		c.TLS = v
	}
	if v, ok := m["tls_server_name"].(string); ok {
		c.TLSServerName = v
	}
	if v, ok := m["consumer"].(string); ok && v != "" {
		c.Consumer = v
	}
	if v, ok := getInt(m, "batch_size"); ok && v > 0 {
		c.BatchSize = v
	}
	if v, ok := getDur(m, "block"); ok && v > 0 {
		c.Block = v
	}
	if v, ok := m["auto_create"].(bool); ok {
		c.AutoCreate = v
	}
	if v, ok := m["auto_delete_on_ack"].(bool); ok {
		c.AutoDeleteOnAck = v
	}
	if v, ok := m["dead_letter"].(string); ok {
		c.DeadLetter = v
	}
	if v, ok := getInt(m, "max_len_approx"); ok && v > 0 {
		c.MaxLenApprox = int64(v)
	}
	if v, ok := getDur(m, "redelivery_delay"); ok {
		c.RedeliveryDelay = v
	}
	if v, ok := getDur(m, "claim_min_idle"); ok {
		c.ClaimMinIdle = v
	}
	if v, ok := getInt(m, "claim_batch"); ok && v > 0 {
		c.ClaimBatch = v
	}
	if v, ok := getDur(m, "claim_interval"); ok && v > 0 {
		c.ClaimInterval = v
	}

	return c
}

func getInt(m map[string]any, k string) (int, bool) {
	switch v := m[k].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
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
