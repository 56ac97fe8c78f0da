package xgate_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xgate"
)

func TestNewMessage_Validation(t *testing.T) {
	_, err := xgate.NewMessage(xgate.Inbound, "", "1234", "sms", "hi")
	assert.ErrorIs(t, err, xgate.ErrInvalidMessage)

	_, err = xgate.NewMessage(xgate.Inbound, "+1555", "1234", "", "hi")
	assert.ErrorIs(t, err, xgate.ErrInvalidMessage)

	_, err = xgate.NewMessage(xgate.Inbound, "+1555", "1234", "sms", "")
	assert.ErrorIs(t, err, xgate.ErrInvalidMessage)

	_, err = xgate.NewMessage("sideways", "+1555", "1234", "sms", "hi")
	assert.ErrorIs(t, err, xgate.ErrInvalidMessage)

	m, err := xgate.NewMessage(xgate.Inbound, "+1555", "1234", "sms", "hi")
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.False(t, m.Timestamp.IsZero())
	assert.False(t, m.IsReply())
}

// TestMessage_SessionCloseMayBeEmpty tests the one case empty content is allowed.
func TestMessage_SessionCloseMayBeEmpty(t *testing.T) {
	m := &xgate.Message{
		ID: "m1", Direction: xgate.Outbound, From: "1234", To: "+1555",
		Transport: "ussd", SessionEvent: xgate.SessionClose,
	}
	assert.NoError(t, m.Validate())
}

func TestReply(t *testing.T) {
	orig := inbound(t, "+15550001", "1234", "hello")
	orig.Group = "#chat"
	orig.Endpoint = "short-code"

	r := xgate.Reply(orig, "hi back")
	assert.NotEqual(t, orig.ID, r.ID)
	assert.Equal(t, xgate.Outbound, r.Direction)
	assert.Equal(t, orig.To, r.From)
	assert.Equal(t, orig.From, r.To)
	assert.Equal(t, orig.Transport, r.Transport)
	assert.Equal(t, orig.ID, r.InReplyTo)
	assert.Equal(t, xgate.SessionResume, r.SessionEvent)
	assert.Equal(t, "short-code", r.Endpoint)
	assert.True(t, r.IsReply())
	assert.NoError(t, r.Validate())

	closing := xgate.ReplyClosing(orig, "bye")
	assert.Equal(t, xgate.SessionClose, closing.SessionEvent)

	grp := xgate.ReplyToGroup(orig, "all")
	assert.Equal(t, "#chat", grp.To)
}

func TestMessage_WithMetadataCopies(t *testing.T) {
	m := inbound(t, "+1555", "1234", "hi")
	tagged := m.WithMetadata("k", "v")

	assert.Equal(t, "v", tagged.Meta("k"))
	assert.Empty(t, m.Meta("k"))
	assert.True(t, m.Equal(tagged))

	again := tagged.WithMetadata("k2", "v2")
	assert.Empty(t, tagged.Meta("k2"))
	assert.Equal(t, "v", again.Meta("k"))
}

func TestSendTo(t *testing.T) {
	m, err := xgate.SendTo("1234", "+1555", "promo", "sms", "bulk")
	require.NoError(t, err)
	assert.Equal(t, xgate.Outbound, m.Direction)
	assert.Equal(t, "bulk", m.Endpoint)
	assert.False(t, m.IsReply())
}

func TestEvent_Validate(t *testing.T) {
	_, err := xgate.NewEvent(xgate.EventDeliveryReport, "", "delivered")
	assert.ErrorIs(t, err, xgate.ErrInvalidEvent)

	_, err = xgate.NewEvent("bounced", "m1", "")
	assert.ErrorIs(t, err, xgate.ErrInvalidEvent)

	raw := &xgate.Event{ID: "e1", MessageID: "m1", RawType: "dlr"}
	assert.NoError(t, raw.Validate(), "raw events are valid until normalized")
}

func TestEventMapper(t *testing.T) {
	mapper := xgate.NewEventMapper()
	mapper.Register("smpp", xgate.EventMapping{
		"deliver_sm":         xgate.EventDeliveryReport,
		"deliver_sm/undeliv": xgate.EventFailure,
		"submit_sm_resp":     xgate.EventAcknowledged,
	})

	k, ok := mapper.Resolve("smpp", "DELIVER_SM", "UNDELIV")
	require.True(t, ok)
	assert.Equal(t, xgate.EventFailure, k, "type/status wins over type")

	k, ok = mapper.Resolve("smpp", "deliver_sm", "delivrd")
	require.True(t, ok)
	assert.Equal(t, xgate.EventDeliveryReport, k)

	// Transports without their own table use the default vocabulary.
	k, ok = mapper.Resolve("sms", "delivery_report", "failed")
	require.True(t, ok)
	assert.Equal(t, xgate.EventFailure, k)

	_, ok = mapper.Resolve("smpp", "enquire_link", "")
	assert.False(t, ok)

	e, err := mapper.Normalize(&xgate.Event{ID: "e1", MessageID: "m1", Transport: "smpp", RawType: "submit_sm_resp"})
	require.NoError(t, err)
	assert.Equal(t, xgate.EventAcknowledged, e.Kind)

	_, err = mapper.Normalize(&xgate.Event{ID: "e2", MessageID: "m1", Transport: "smpp", RawType: "enquire_link"})
	assert.ErrorIs(t, err, xgate.ErrInvalidEvent)

	e, err = mapper.Normalize(&xgate.Event{ID: "e3", MessageID: "m1", Kind: xgate.EventFailure})
	require.NoError(t, err)
	assert.Equal(t, xgate.EventFailure, e.Kind)
}

func TestCodec_Envelopes(t *testing.T) {
	codec := xgate.JSONCodec{}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	m := inbound(t, "+1555", "1234", "hi").WithMetadata("k", "v")
	env, err := xgate.EncodeMessage(codec, m, now)
	require.NoError(t, err)
	assert.Equal(t, m.ID, env.ID)
	assert.Equal(t, xgate.KindMessage, env.Kind)
	assert.Equal(t, "json", env.Headers[xgate.HeaderCodec])
	assert.Equal(t, now, env.ProducedAt)
	assert.Equal(t, xgate.KindMessage, xgate.KindFromHeaders(env.Headers))

	back, err := xgate.DecodeMessage(codec, env)
	require.NoError(t, err)
	assert.Equal(t, m.Content, back.Content)
	assert.Equal(t, "v", back.Meta("k"))

	_, err = xgate.DecodeEvent(codec, env)
	assert.ErrorIs(t, err, xgate.ErrInvalidEvent)

	e, err := xgate.NewEvent(xgate.EventAcknowledged, m.ID, "")
	require.NoError(t, err)
	envE, err := xgate.EncodeEvent(codec, e, now)
	require.NoError(t, err)
	assert.Equal(t, xgate.KindEvent, xgate.KindFromHeaders(envE.Headers))
	_, err = xgate.DecodeMessage(codec, envE)
	assert.ErrorIs(t, err, xgate.ErrInvalidMessage)

	_, err = xgate.EncodeMessage(codec, &xgate.Message{ID: "x"}, now)
	assert.ErrorIs(t, err, xgate.ErrInvalidMessage)

	_, err = xgate.DecodeMessage(codec, &xgate.Envelope{ID: "bad", Kind: xgate.KindMessage, Payload: []byte("{")})
	assert.ErrorIs(t, err, xgate.ErrInvalidMessage)
}
