package xgate

import (
	"context"
	"sync"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in xgate (prevents collisions).
type ctxKey string

const (
	codecCtxKey  ctxKey = "xgate:codec"
	loggerCtxKey ctxKey = "xgate:logger"
	clockCtxKey  ctxKey = "xgate:clock"
	workerCtxKey ctxKey = "xgate:worker"
	commitCtxKey ctxKey = "xgate:commit"
)

func injectCodec(ctx context.Context, c Codec) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, codecCtxKey, c)
}

// CodecFromContext retrieves a Codec previously injected into the context.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	if v := ctx.Value(codecCtxKey); v != nil {
		if c, ok := v.(Codec); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}

// loggerOr returns the context logger or fallback.
func loggerOr(ctx context.Context, fallback *xlog.Logger) *xlog.Logger {
	if l, ok := LoggerFromContext(ctx); ok {
		return l
	}
	return fallback
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	if v := ctx.Value(clockCtxKey); v != nil {
		if c, ok := v.(xclock.Clock); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

// clockFor returns c, else the clock injected into ctx, else the system clock.
func clockFor(ctx context.Context, c Clock) Clock {
	if c != nil {
		return c
	}
	if cc, ok := ClockFromContext(ctx); ok {
		return cc
	}
	return xclock.Default()
}

// WorkerFromContext returns the name of the worker processing the current message.
func WorkerFromContext(ctx context.Context) string {
	s, _ := ctx.Value(workerCtxKey).(string)
	return s
}

func injectWorker(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, workerCtxKey, name)
}

// commitLog holds work deferred until the current envelope is acked.
type commitLog struct {
	mu  sync.Mutex
	fns []func(context.Context) error
}

func withCommitLog(ctx context.Context) (context.Context, *commitLog) {
	cl := &commitLog{}
	return context.WithValue(ctx, commitCtxKey, cl), cl
}

func (cl *commitLog) drain() []func(context.Context) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	fns := cl.fns
	cl.fns = nil
	return fns
}

// OnCommit defers fn until the envelope being processed under ctx is acked.
// If the envelope is nacked for redelivery fn never runs. Outside a worker
// there is nothing to wait for and fn runs at once.
func OnCommit(ctx context.Context, fn func(context.Context) error) error {
	cl, ok := ctx.Value(commitCtxKey).(*commitLog)
	if !ok {
		return fn(ctx)
	}
	cl.mu.Lock()
	cl.fns = append(cl.fns, fn)
	cl.mu.Unlock()
	return nil
}

// InjectAll is a convenience helper to inject all standard dependencies.
func InjectAll(ctx context.Context, codec Codec, logger *xlog.Logger, clock xclock.Clock) context.Context {
	ctx = injectCodec(ctx, codec)
	ctx = injectLogger(ctx, logger)
	ctx = injectClock(ctx, clock)
	return ctx
}
