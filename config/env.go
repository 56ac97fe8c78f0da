package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment variable the gateway reads.
const EnvPrefix = "XGATE_"

// envOverrides lists the settings that can come from the environment,
// typically secrets and per-deployment endpoints. Zero values mean unset.
type envOverrides struct {
	Name       string `env:"NAME"`
	LogLevel   string `env:"LOG_LEVEL"`
	LogConsole string `env:"LOG_CONSOLE"`

	BrokerTransport string        `env:"BROKER_TRANSPORT"`
	BrokerURL       string        `env:"BROKER_URL"`
	AckTimeout      time.Duration `env:"BROKER_ACK_TIMEOUT"`

	StoreBackend string `env:"STORE_BACKEND"`
	StoreURL     string `env:"STORE_URL"`
	StorePass    string `env:"STORE_PASSWORD"`

	CacheBackend string        `env:"CACHE_BACKEND"`
	CacheURL     string        `env:"CACHE_URL"`
	CachePass    string        `env:"CACHE_PASSWORD"`
	CacheTTL     time.Duration `env:"CACHE_DEFAULT_TTL"`

	Transports   []string      `env:"DISPATCHER_TRANSPORTS" envSeparator:","`
	Applications []string      `env:"DISPATCHER_APPLICATIONS" envSeparator:","`
	ReverseTTL   time.Duration `env:"DISPATCHER_REVERSE_TTL"`

	HoldingPeriod time.Duration `env:"TRACKER_HOLDING_PERIOD"`
	SweepInterval time.Duration `env:"TRACKER_SWEEP_INTERVAL"`
}

// ApplyEnv overlays XGATE_* variables onto cfg. A nil environ reads the
// process environment.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	var o envOverrides
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}

	setString(&cfg.Name, o.Name)
	setString(&cfg.Log.Level, o.LogLevel)
	switch o.LogConsole {
	case "true", "1":
		cfg.Log.Console = true
	case "false", "0":
		cfg.Log.Console = false
	}

	setString(&cfg.Broker.Transport, o.BrokerTransport)
	if o.BrokerURL != "" {
		cfg.Broker.Options = withOption(cfg.Broker.Options, endpointKey(cfg.Broker.Transport), o.BrokerURL)
	}
	if o.AckTimeout > 0 {
		cfg.Broker.AckTimeout = o.AckTimeout
	}

	setString(&cfg.Store.Backend, o.StoreBackend)
	if o.StoreURL != "" {
		cfg.Store.Options = withOption(cfg.Store.Options, endpointKey(cfg.Store.Backend), o.StoreURL)
	}
	if o.StorePass != "" {
		cfg.Store.Options = withOption(cfg.Store.Options, "password", o.StorePass)
	}

	setString(&cfg.Cache.Backend, o.CacheBackend)
	if o.CacheURL != "" {
		cfg.Cache.Options = withOption(cfg.Cache.Options, endpointKey(cfg.Cache.Backend), o.CacheURL)
	}
	if o.CachePass != "" {
		cfg.Cache.Options = withOption(cfg.Cache.Options, "password", o.CachePass)
	}
	if o.CacheTTL > 0 {
		cfg.Cache.DefaultTTL = o.CacheTTL
	}

	if len(o.Transports) > 0 {
		cfg.Dispatcher.Transports = o.Transports
	}
	if len(o.Applications) > 0 {
		cfg.Dispatcher.Applications = o.Applications
	}
	if o.ReverseTTL > 0 {
		cfg.Dispatcher.ReverseTTL = o.ReverseTTL
	}
	if o.HoldingPeriod > 0 {
		cfg.Tracker.HoldingPeriod = o.HoldingPeriod
	}
	if o.SweepInterval > 0 {
		cfg.Tracker.SweepInterval = o.SweepInterval
	}
	return nil
}

// endpointKey is the option key a backend reads its address from.
func endpointKey(backend string) string {
	switch backend {
	case "redis", "redis-streams":
		return "addr"
	case "postgres":
		return "dsn"
	}
	return "url"
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func withOption(m map[string]any, k string, v any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for key, val := range m {
		out[key] = val
	}
	out[k] = v
	return out
}
