package natsjs

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xgate"
)

func TestConfigFromMap(t *testing.T) {
	c := ConfigFromMap(map[string]any{
		"url":              "nats://n1:4222",
		"stream":           "GATEWAY",
		"max_reconnects":   5,
		"ack_wait":         "10s",
		"redelivery_delay": 0 * time.Second,
		"memory_only":      true,
	})
	assert.Equal(t, "nats://n1:4222", c.URL)
	assert.Equal(t, "GATEWAY", c.Stream)
	assert.Equal(t, 5, c.MaxReconnects)
	assert.Equal(t, 10*time.Second, c.AckWait)
	assert.Equal(t, time.Duration(0), c.RedeliveryDelay)
	assert.True(t, c.MemoryOnly)
	require.NoError(t, c.Validate())

	sc := streamConfig(c)
	assert.Equal(t, []string{"xgate.>"}, sc.Subjects)
	assert.Equal(t, nats.MemoryStorage, sc.Storage)
}

func TestConfigValidate(t *testing.T) {
	c := Defaults()
	c.Stream = "bad.name"
	assert.Error(t, c.Validate())

	c = Defaults()
	c.SubjectPrefix = "xgate"
	assert.Error(t, c.Validate())
}

func TestDurableName(t *testing.T) {
	assert.Equal(t, "router__sms_inbound", durableName("sms.inbound", "router"))
	assert.Equal(t, "sms_event", durableName("sms.event", ""))
}

func TestMsgCarriesEnvelope(t *testing.T) {
	env := &xgate.Envelope{
		ID:         "m-1",
		Kind:       xgate.KindEvent,
		Payload:    []byte(`{"event_id":"e-1"}`),
		Headers:    map[string]string{xgate.HeaderKind: "event", "trace": "t-1"},
		ProducedAt: time.Unix(1_700_000_000, 42).UTC(),
	}
	msg := toMsg("xgate.sms.event", env)
	assert.Equal(t, "xgate.sms.event", msg.Subject)

	got := fromMsg(msg)
	assert.Equal(t, "m-1", got.ID)
	assert.Equal(t, xgate.KindEvent, got.Kind)
	assert.Equal(t, env.Payload, got.Payload)
	assert.Equal(t, env.Headers, got.Headers)
	assert.True(t, env.ProducedAt.Equal(got.ProducedAt))
}

func TestFromMsgWithoutKind(t *testing.T) {
	msg := nats.NewMsg("xgate.q")
	msg.Header.Set(headerID, "x")
	assert.Equal(t, xgate.KindMessage, fromMsg(msg).Kind)
}

// Needs a JetStream-enabled server: XGATE_NATS_URL=nats://localhost:4222
func TestLive_RedeliveryKeepsOrder(t *testing.T) {
	url := os.Getenv("XGATE_NATS_URL")
	if url == "" {
		t.Skip("XGATE_NATS_URL not set")
	}
	cfg := Defaults()
	cfg.URL = url
	cfg.Stream = "XGATETEST" + xid.New().String()
	cfg.SubjectPrefix = "xgt" + xid.New().String() + "."
	cfg.MemoryOnly = true
	cfg.RedeliveryDelay = 10 * time.Millisecond
	cfg.FetchWait = 200 * time.Millisecond

	tr, err := NewTransport(cfg)
	require.NoError(t, err)
	defer tr.Close(context.Background())

	ctx := context.Background()
	require.NoError(t, tr.Publish(ctx, "sms.inbound",
		&xgate.Envelope{ID: "a", Kind: xgate.KindMessage, Payload: []byte("{}")},
		&xgate.Envelope{ID: "b", Kind: xgate.KindMessage, Payload: []byte("{}")},
		// Duplicate ID inside the window is dropped by the server.
		&xgate.Envelope{ID: "a", Kind: xgate.KindMessage, Payload: []byte("{}")},
	))

	var (
		mu     sync.Mutex
		seen   []string
		nacked bool
	)
	done := make(chan struct{})
	sub, err := tr.Subscribe(ctx, "sms.inbound", "router", func(d xgate.Delivery) {
		mu.Lock()
		defer mu.Unlock()
		id := d.Envelope().ID
		seen = append(seen, id)
		if id == "a" && !nacked {
			nacked = true
			assert.NoError(t, d.Nack(ctx, assert.AnError))
			return
		}
		assert.NoError(t, d.Ack(ctx))
		if id == "b" {
			close(done)
		}
	})
	require.NoError(t, err)
	defer sub.Close()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "a", "b"}, seen)
}
