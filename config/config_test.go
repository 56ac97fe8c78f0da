package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xgate"
)

const sample = `
name: gateway
log:
  level: debug
broker:
  transport: memory
  options:
    buffer_size: 64
  publish_buffer: 128
  retry:
    max_retries: 2
    min_backoff: 10ms
    max_backoff: 50ms
store:
  backend: memory
cache:
  backend: memory
  default_ttl: 2m
pipeline:
  symmetric: true
  inbound:
    - name: tag
      options: {key: via, value: gateway}
dispatcher:
  transports: [sms]
  applications: [us-app, intl-app]
  default: queue
  default_target: intl-app
  reverse_ttl: 1h
  rules:
    - name: us
      match: {to_prefix: "+1"}
      target: us-app
      priority: 10
  event_mappings:
    sms:
      dlr/delivrd: delivery-report
tracker:
  enabled: true
  holding_period: 12h
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "gateway", cfg.Name)
	assert.Equal(t, "memory", cfg.Broker.Transport)
	assert.Equal(t, 64, cfg.Broker.Options["buffer_size"])
	assert.Equal(t, 10*time.Millisecond, cfg.Broker.Retry.MinBackoff)
	assert.Equal(t, 2*time.Minute, cfg.Cache.DefaultTTL)
	assert.True(t, cfg.Pipeline.Symmetric)
	assert.Equal(t, "gateway", cfg.Pipeline.Inbound[0].Options["value"])
	assert.Equal(t, []string{"us-app", "intl-app"}, cfg.Dispatcher.Applications)
	assert.Equal(t, "+1", cfg.Dispatcher.Rules[0].Match.ToPrefix)
	assert.Equal(t, 12*time.Hour, cfg.Tracker.HoldingPeriod)
	// Untouched keys keep their defaults.
	assert.Equal(t, time.Minute, cfg.Tracker.SweepInterval)
	assert.Equal(t, 5*time.Second, cfg.Broker.AckTimeout)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("name: x\nbrokr:\n  transport: memory\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatcher.transports")

	cfg.Dispatcher.Transports = []string{"sms"}
	require.NoError(t, cfg.Validate())

	cfg.Dispatcher.Default = "queue"
	assert.ErrorContains(t, cfg.Validate(), "default_target")

	cfg.Dispatcher.Default = "bounce"
	assert.ErrorContains(t, cfg.Validate(), "unknown action")

	cfg.Dispatcher.Default = ""
	cfg.Dispatcher.EventMappings = map[string]map[string]string{"sms": {"dlr": "delivered"}}
	assert.ErrorContains(t, cfg.Validate(), "unknown kind")

	cfg.Dispatcher.EventMappings = nil
	cfg.Pipeline = PipelineConfig{Symmetric: true, Outbound: []xgate.StageConfig{{Name: "tag"}}}
	assert.ErrorContains(t, cfg.Validate(), "symmetric")
}

func TestApplyEnv(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	cfg.Store.Backend = "postgres"

	require.NoError(t, ApplyEnv(&cfg, map[string]string{
		"XGATE_BROKER_TRANSPORT":        "amqp",
		"XGATE_BROKER_URL":              "amqp://rabbit:5672/",
		"XGATE_STORE_URL":               "postgres://db/xgate",
		"XGATE_CACHE_BACKEND":           "redis",
		"XGATE_CACHE_URL":               "cache:6379",
		"XGATE_CACHE_PASSWORD":          "s3cret",
		"XGATE_DISPATCHER_TRANSPORTS":   "sms,ussd",
		"XGATE_TRACKER_HOLDING_PERIOD":  "6h",
		"XGATE_LOG_CONSOLE":             "true",
		"UNRELATED_BROKER_URL":          "ignored",
		"XGATE_DISPATCHER_REVERSE_TTL":  "30m",
		"XGATE_BROKER_ACK_TIMEOUT":      "2s",
		"XGATE_CACHE_DEFAULT_TTL":       "90s",
		"XGATE_TRACKER_SWEEP_INTERVAL":  "15s",
		"XGATE_DISPATCHER_APPLICATIONS": "a,b",
	}))

	assert.Equal(t, "amqp", cfg.Broker.Transport)
	assert.Equal(t, "amqp://rabbit:5672/", cfg.Broker.Options["url"])
	assert.Equal(t, 64, cfg.Broker.Options["buffer_size"])
	assert.Equal(t, "postgres://db/xgate", cfg.Store.Options["dsn"])
	assert.Equal(t, "cache:6379", cfg.Cache.Options["addr"])
	assert.Equal(t, "s3cret", cfg.Cache.Options["password"])
	assert.Equal(t, []string{"sms", "ussd"}, cfg.Dispatcher.Transports)
	assert.Equal(t, []string{"a", "b"}, cfg.Dispatcher.Applications)
	assert.Equal(t, 6*time.Hour, cfg.Tracker.HoldingPeriod)
	assert.Equal(t, 15*time.Second, cfg.Tracker.SweepInterval)
	assert.Equal(t, 30*time.Minute, cfg.Dispatcher.ReverseTTL)
	assert.Equal(t, 2*time.Second, cfg.Broker.AckTimeout)
	assert.Equal(t, 90*time.Second, cfg.Cache.DefaultTTL)
	assert.True(t, cfg.Log.Console)
	// Not overridden.
	assert.Equal(t, "gateway", cfg.Name)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	t.Setenv("XGATE_NAME", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBuildRejectsUnknownBackends(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	cfg.Broker.Transport = "carrier-pigeon"

	_, err = Build(cfg, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")

	cfg.Broker.Transport = "memory"
	cfg.Pipeline.Inbound = []xgate.StageConfig{{Name: "no-such-stage"}}
	_, err = Build(cfg, Options{})
	assert.ErrorContains(t, err, "no-such-stage")
}

func TestBuildAndRoute(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	rt, err := Build(cfg, Options{})
	require.NoError(t, err)
	defer rt.Close(context.Background())

	assert.NotNil(t, rt.Tracker)
	assert.NotNil(t, rt.Sessions)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- rt.Run(ctx) }()

	got := make(chan *xgate.Message, 2)
	for _, app := range []string{"us-app", "intl-app"} {
		sub, err := rt.Broker.Subscribe(ctx, xgate.InboundQueue(app), app, func(ctx context.Context, env *xgate.Envelope) error {
			m, err := xgate.DecodeMessage(rt.Broker.Codec(), env)
			if err != nil {
				return err
			}
			got <- m
			return nil
		})
		require.NoError(t, err)
		defer sub.Close()
	}

	us, err := xgate.NewMessage(xgate.Inbound, "+15551234", "+15550000", "sms", "hi")
	require.NoError(t, err)
	require.NoError(t, rt.Broker.PublishMessage(ctx, xgate.InboundQueue("sms"), us))

	select {
	case m := <-got:
		assert.Equal(t, us.ID, m.ID)
		assert.Equal(t, "gateway", m.Meta("via"))
		assert.Equal(t, "us", m.Meta(xgate.MetaRoutedBy))
	case <-time.After(5 * time.Second):
		t.Fatal("message not routed")
	}

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

// TestBuildKeyCapOnlyAppliesToSandbox tests that store.max_keys limits what
// custom stages may store and never the gateway's own buckets.
func TestBuildKeyCapOnlyAppliesToSandbox(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	cfg.Store.MaxKeys = 2
	cfg.Pipeline.Inbound = append(cfg.Pipeline.Inbound, xgate.StageConfig{Name: "capture"})

	var sandbox xgate.Store
	reg := xgate.NewStageRegistry()
	reg.Register("capture", func(_ xgate.StageOptions, deps xgate.StageDeps) (xgate.Stage, error) {
		sandbox = deps.Sandbox
		return xgate.NewStage("capture", func(_ context.Context, m *xgate.Message) (*xgate.Message, error) { return m, nil }), nil
	})

	rt, err := Build(cfg, Options{Stages: reg})
	require.NoError(t, err)
	defer rt.Close(context.Background())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m, err := xgate.NewMessage(xgate.Outbound, "1234", "+1555", "sms", "hi")
		require.NoError(t, err)
		_, err = rt.Tracker.Record(ctx, m)
		require.NoError(t, err, "record %d", i)
	}

	require.NotNil(t, sandbox)
	require.NoError(t, sandbox.Set(ctx, "app", "a", []byte("1")))
	require.NoError(t, sandbox.Set(ctx, "app", "b", []byte("2")))
	assert.ErrorIs(t, sandbox.Set(ctx, "app", "c", []byte("3")), xgate.ErrQuotaExceeded)
}
