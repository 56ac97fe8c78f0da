package xgate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xgate"
)

func TestChain_Order(t *testing.T) {
	var trail []string
	mark := func(name string) xgate.Middleware {
		return func(next xgate.Handler) xgate.Handler {
			return func(ctx context.Context, in xgate.Input) ([]xgate.Output, error) {
				trail = append(trail, name)
				return next(ctx, in)
			}
		}
	}
	h := xgate.Chain(func(context.Context, xgate.Input) ([]xgate.Output, error) {
		trail = append(trail, "handler")
		return nil, nil
	}, mark("first"), nil, mark("second"))

	_, err := h(context.Background(), xgate.Input{Queue: "q"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "handler"}, trail)
}

func TestRetryMiddleware(t *testing.T) {
	calls := 0
	flaky := func(context.Context, xgate.Input) ([]xgate.Output, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("temporary")
		}
		return []xgate.Output{{Queue: "out"}}, nil
	}
	h := xgate.RetryMiddleware(xgate.RetryConfig{
		MaxAttempts: 5,
		Backoff:     func(int) time.Duration { return time.Millisecond },
	})(flaky)

	out, err := h(context.Background(), xgate.Input{})
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, 3, calls)

	calls = 0
	permanent := errors.New("permanent")
	h = xgate.RetryMiddleware(xgate.RetryConfig{
		MaxAttempts: 5,
		RetryIf:     func(err error) bool { return !errors.Is(err, permanent) },
	})(func(context.Context, xgate.Input) ([]xgate.Output, error) {
		calls++
		return nil, permanent
	})
	_, err = h(context.Background(), xgate.Input{})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestTimeoutMiddleware(t *testing.T) {
	slow := func(ctx context.Context, _ xgate.Input) ([]xgate.Output, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return nil, nil
		}
	}
	_, err := xgate.TimeoutMiddleware(20 * time.Millisecond)(slow)(context.Background(), xgate.Input{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, xgate.IsTransient(err), "timeouts are redelivered")
}

func TestRecoveryMiddleware(t *testing.T) {
	h := xgate.RecoveryMiddleware()(func(context.Context, xgate.Input) ([]xgate.Output, error) {
		panic("kaboom")
	})
	_, err := h(context.Background(), xgate.Input{})
	assert.ErrorIs(t, err, xgate.ErrHandlerPanic)
	assert.ErrorContains(t, err, "kaboom")
	assert.False(t, xgate.IsTransient(err))
}

func TestLoggingMiddlewarePassesThrough(t *testing.T) {
	boom := errors.New("boom")
	h := xgate.LoggingMiddleware(testLogger())(func(context.Context, xgate.Input) ([]xgate.Output, error) {
		return nil, boom
	})
	_, err := h(context.Background(), xgate.Input{Queue: "q"})
	assert.ErrorIs(t, err, boom)
}

func TestRetryPolicy(t *testing.T) {
	p := xgate.RetryPolicy{MinBackoff: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond}
	for n := 1; n < 10; n++ {
		d := p.Backoff(n)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 40*time.Millisecond)
	}

	calls := 0
	fatal := errors.New("fatal")
	err := xgate.RetryPolicy{MaxRetries: 3, MinBackoff: time.Millisecond}.Do(context.Background(),
		func(err error) bool { return !errors.Is(err, fatal) },
		func(context.Context) error {
			calls++
			return fatal
		})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)

	calls = 0
	err = xgate.RetryPolicy{MaxRetries: 3, MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond}.Do(context.Background(),
		func(error) bool { return true },
		func(context.Context) error {
			calls++
			return errDown
		})
	assert.ErrorIs(t, err, errDown)
	assert.Equal(t, 4, calls)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, xgate.IsTransient(nil))
	assert.False(t, xgate.IsTransient(context.Canceled))
	assert.False(t, xgate.IsTransient(errors.New("bad input")))
	assert.True(t, xgate.IsTransient(xgate.StoreError("get", errDown)))
	assert.True(t, xgate.IsTransient(xgate.ErrPublishBufferFull))
	assert.Nil(t, xgate.StoreError("get", nil))
}
