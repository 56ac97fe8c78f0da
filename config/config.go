// Package config loads the gateway configuration from YAML with
// environment overrides and assembles the runtime from it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trickstertwo/xgate"
)

// Config is the whole gateway configuration.
type Config struct {
	// Name names the dispatcher and its worker.
	Name       string           `yaml:"name"`
	Log        LogConfig        `yaml:"log"`
	Broker     BrokerConfig     `yaml:"broker"`
	Store      StoreConfig      `yaml:"store"`
	Cache      CacheConfig      `yaml:"cache"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Tracker    TrackerConfig    `yaml:"tracker"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// RetryConfig mirrors xgate.RetryPolicy.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	MinBackoff time.Duration `yaml:"min_backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

func (r RetryConfig) Policy() xgate.RetryPolicy {
	return xgate.RetryPolicy{MaxRetries: r.MaxRetries, MinBackoff: r.MinBackoff, MaxBackoff: r.MaxBackoff}
}

type BrokerConfig struct {
	// Transport is a registered transport name: memory, redis-streams, amqp,
	// nats-jetstream.
	Transport     string         `yaml:"transport"`
	Options       map[string]any `yaml:"options"`
	Codec         string         `yaml:"codec"`
	AckTimeout    time.Duration  `yaml:"ack_timeout"`
	PublishBuffer int            `yaml:"publish_buffer"`
	Retry         RetryConfig    `yaml:"retry"`
	// ObserverWorkers > 0 delivers lifecycle events through a bounded pool.
	ObserverWorkers int `yaml:"observer_workers"`
}

type StoreConfig struct {
	// Backend is a registered store name: memory, redis, postgres.
	Backend string         `yaml:"backend"`
	Options map[string]any `yaml:"options"`
	Retry   RetryConfig    `yaml:"retry"`
	// MaxKeys caps the keys custom stages may hold per bucket, through a
	// QuotaStore scoped to Namespace. Zero disables it.
	MaxKeys   int64  `yaml:"max_keys"`
	Namespace string `yaml:"namespace"`
}

type CacheConfig struct {
	// Backend is a registered cache name: memory, redis.
	Backend    string         `yaml:"backend"`
	Options    map[string]any `yaml:"options"`
	DefaultTTL time.Duration  `yaml:"default_ttl"`
}

// PipelineConfig declares the stage chains. With Symmetric set, Inbound is
// used for both directions and Outbound must be empty.
type PipelineConfig struct {
	Symmetric bool                `yaml:"symmetric"`
	Inbound   []xgate.StageConfig `yaml:"inbound"`
	Outbound  []xgate.StageConfig `yaml:"outbound"`
}

type DispatcherConfig struct {
	Transports         []string           `yaml:"transports"`
	Applications       []string           `yaml:"applications"`
	Rules              []xgate.RuleConfig `yaml:"rules"`
	Default            string             `yaml:"default"`
	DefaultTarget      string             `yaml:"default_target"`
	FallbackQueue      string             `yaml:"fallback_queue"`
	FallbackEventQueue string             `yaml:"fallback_event_queue"`
	ReverseTTL         time.Duration      `yaml:"reverse_ttl"`
	ShutdownTimeout    time.Duration      `yaml:"shutdown_timeout"`
	// EventMappings maps transport -> raw type (or "type/status") -> kind.
	EventMappings map[string]map[string]string `yaml:"event_mappings"`
}

type TrackerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	HoldingPeriod time.Duration `yaml:"holding_period"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	AuditMessages bool          `yaml:"audit_messages"`
}

// Defaults returns a configuration that runs entirely in memory.
func Defaults() Config {
	return Config{
		Name: "xgate",
		Log:  LogConfig{Level: "info"},
		Broker: BrokerConfig{
			Transport:  "memory",
			Codec:      "json",
			AckTimeout: 5 * time.Second,
		},
		Store: StoreConfig{Backend: "memory"},
		Cache: CacheConfig{Backend: "memory", DefaultTTL: 5 * time.Minute},
		Dispatcher: DispatcherConfig{
			ShutdownTimeout: 10 * time.Second,
		},
		Tracker: TrackerConfig{
			Enabled:       true,
			HoldingPeriod: 24 * time.Hour,
			SweepInterval: time.Minute,
		},
	}
}

// Load reads path (when not empty), then applies XGATE_* environment
// variables, then validates.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if cfg, err = Parse(data); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg, nil); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of Defaults. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("YAML parse error: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints. Factories validate the rest.
func (c Config) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name required"))
	}
	if c.Broker.Transport == "" {
		errs = append(errs, errors.New("broker.transport required"))
	}
	if c.Store.Backend == "" {
		errs = append(errs, errors.New("store.backend required"))
	}
	if c.Pipeline.Symmetric && len(c.Pipeline.Outbound) > 0 {
		errs = append(errs, errors.New("pipeline: outbound stages not allowed when symmetric"))
	}
	if len(c.Dispatcher.Transports) == 0 {
		errs = append(errs, errors.New("dispatcher.transports: at least one transport required"))
	}
	switch xgate.DefaultAction(c.Dispatcher.Default) {
	case xgate.DefaultNone, xgate.DefaultDrop:
	case xgate.DefaultQueue:
		if c.Dispatcher.DefaultTarget == "" {
			errs = append(errs, errors.New("dispatcher.default_target required for default: queue"))
		}
	default:
		errs = append(errs, fmt.Errorf("dispatcher.default: unknown action %q", c.Dispatcher.Default))
	}
	for transport, table := range c.Dispatcher.EventMappings {
		for raw, kind := range table {
			if !knownKind(kind) {
				errs = append(errs, fmt.Errorf("dispatcher.event_mappings.%s.%s: unknown kind %q", transport, raw, kind))
			}
		}
	}
	if c.Tracker.Enabled && c.Tracker.HoldingPeriod < 0 {
		errs = append(errs, errors.New("tracker.holding_period must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func knownKind(k string) bool {
	switch xgate.EventKind(k) {
	case xgate.EventAcknowledged, xgate.EventDeliveryReport, xgate.EventFailure:
		return true
	}
	return false
}
