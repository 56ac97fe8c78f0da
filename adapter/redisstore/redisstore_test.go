package redisstore

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xgate"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := Defaults()
	cfg.Addr = mr.Addr()
	cfg.Prefix = "xgate:"
	s, err := NewStore(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

// TestStore_KeyLayout tests that entries are stored under "<prefix><bucket>:<key>".
func TestStore_KeyLayout(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, xgate.BucketDelivery, "m-1", []byte(`{"status":"pending"}`)))
	raw, err := mr.Get("xgate:delivery:m-1")
	require.NoError(t, err)
	assert.Equal(t, `{"status":"pending"}`, raw)

	v, found, err := s.Get(ctx, xgate.BucketDelivery, "m-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `{"status":"pending"}`, string(v))

	_, found, err = s.Get(ctx, xgate.BucketDelivery, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

// TestStore_IncrAndDelete tests counters and deletion.
func TestStore_IncrAndDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	n, err := s.Incr(ctx, "quota", "sms:+2771", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = s.Incr(ctx, "quota", "sms:+2771", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	require.NoError(t, s.Delete(ctx, "quota", "sms:+2771"))
	_, found, err := s.Get(ctx, "quota", "sms:+2771")
	require.NoError(t, err)
	assert.False(t, found)
}

// TestStore_Keys tests bucket listing, including buckets with glob characters.
func TestStore_Keys(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, s.Set(ctx, "delivery", k, []byte("x")))
	}
	require.NoError(t, s.Set(ctx, "reverse", "a", []byte("x")))
	require.NoError(t, s.Set(ctx, "odd*bucket", "z", []byte("x")))

	keys, err := s.Keys(ctx, "delivery")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	keys, err = s.Keys(ctx, "odd*bucket")
	require.NoError(t, err)
	assert.Equal(t, []string{"z"}, keys)
}

// TestStore_Unavailable tests that server failures surface as ErrStoreUnavailable.
func TestStore_Unavailable(t *testing.T) {
	s, mr := newTestStore(t)
	mr.SetError("ERR injected outage")
	defer mr.SetError("")

	_, _, err := s.Get(context.Background(), "b", "k")
	require.Error(t, err)
	assert.True(t, errors.Is(err, xgate.ErrStoreUnavailable))
	assert.True(t, xgate.IsTransient(err))
}

// TestNewStore_Unreachable tests that construction fails fast when Redis is down.
func TestNewStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := Defaults()
	cfg.Addr = addr
	cfg.DialTimeout = 200 * time.Millisecond
	_, err := NewStore(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, xgate.ErrStoreUnavailable))
}

// TestCache_TTL tests expiry through miniredis time travel.
func TestCache_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := Defaults()
	cfg.Addr = mr.Addr()
	cfg.DB = 1
	c, err := NewCache(cfg)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "session:sms:+27", []byte(`{"a":"b"}`), time.Minute))
	v, found, err := c.Get(ctx, "session:sms:+27")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `{"a":"b"}`, string(v))

	mr.FastForward(2 * time.Minute)
	_, found, err = c.Get(ctx, "session:sms:+27")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, c.Delete(ctx, "k"))
	_, found, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

// TestSessionCache_DegradesOnOutage tests that a failing Redis only causes misses.
func TestSessionCache_DegradesOnOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := Defaults()
	cfg.Addr = mr.Addr()
	backend, err := NewCache(cfg)
	require.NoError(t, err)
	defer backend.Close()

	sc := xgate.NewSessionCache(backend, time.Minute, nil)
	ctx := context.Background()
	key := xgate.SessionKey("+2771", "sms")

	s, created := sc.GetOrCreate(ctx, key, func() xgate.Session { return xgate.Session{"step": "1"} })
	assert.True(t, created)
	assert.Equal(t, "1", s["step"])

	s, created = sc.GetOrCreate(ctx, key, nil)
	assert.False(t, created)
	assert.Equal(t, "1", s["step"])

	mr.SetError("ERR injected")
	s, created = sc.GetOrCreate(ctx, key, func() xgate.Session { return xgate.Session{"step": "fresh"} })
	assert.True(t, created)
	assert.Equal(t, "fresh", s["step"])
	mr.SetError("")
}

// TestRegistry tests construction through the store and cache registries.
func TestRegistry(t *testing.T) {
	mr := miniredis.RunT(t)
	st, err := xgate.NewStore(StoreName, map[string]any{"addr": mr.Addr(), "db": 0})
	require.NoError(t, err)
	defer st.Close()
	assert.IsType(t, &Store{}, st)

	cb, err := xgate.NewCache(CacheName, map[string]any{"addr": mr.Addr(), "db": 1})
	require.NoError(t, err)
	assert.IsType(t, &Cache{}, cb)
}
