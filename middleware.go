package xgate

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"github.com/trickstertwo/xlog"
)

// Input is one decoded envelope handed to a route handler. Exactly one of
// Message and Event is set.
type Input struct {
	Queue   string
	Message *Message
	Event   *Event
}

// ID returns the identifier of whatever the input carries.
func (in Input) ID() string {
	if in.Message != nil {
		return in.Message.ID
	}
	if in.Event != nil {
		return in.Event.ID
	}
	return ""
}

// Output is something a handler wants published.
type Output struct {
	Queue   string
	Message *Message
	Event   *Event
}

// MessageOut is shorthand for a message Output.
func MessageOut(queue string, m *Message) Output { return Output{Queue: queue, Message: m} }

// EventOut is shorthand for an event Output.
func EventOut(queue string, e *Event) Output { return Output{Queue: queue, Event: e} }

// Handler processes one input and returns zero or more outputs to publish.
type Handler func(ctx context.Context, in Input) ([]Output, error)

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// RetryConfig controls retry behavior for processing middleware.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int
	// Backoff computes the base wait before the next attempt.
	Backoff func(attempt int) time.Duration
	// RetryIf, when provided, returns true if the error should be retried.
	// If nil, all errors are retried (bounded by MaxAttempts).
	RetryIf func(err error) bool
	// Jitter adds up to [0, Jitter] random delay to the base backoff.
	Jitter time.Duration
}

// RetryMiddleware provides bounded, selective retries around a handler.
// Workers do not retry failed messages on their own; this is the opt-in.
func RetryMiddleware(cfg RetryConfig) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, in Input) ([]Output, error) {
			var lastErr error
			attempts := cfg.MaxAttempts
			if attempts < 1 {
				attempts = 1
			}
			shouldRetry := cfg.RetryIf
			if shouldRetry == nil {
				shouldRetry = func(error) bool { return true }
			}
			for i := 1; i <= attempts; i++ {
				var out []Output
				out, lastErr = next(ctx, in)
				if lastErr == nil {
					return out, nil
				}
				if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return nil, lastErr
				}
				if i == attempts || !shouldRetry(lastErr) {
					return nil, lastErr
				}
				if cfg.Backoff != nil {
					wait := cfg.Backoff(i)
					if cfg.Jitter > 0 {
						wait += time.Duration(rand.Int63n(int64(cfg.Jitter)))
					}
					select {
					case <-ctx.Done():
						return nil, lastErr
					case <-time.After(wait):
					}
				}
			}
			return nil, lastErr
		}
	}
}

// TimeoutMiddleware enforces a maximum processing time for a handler.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, in Input) ([]Output, error) {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			type result struct {
				out []Output
				err error
			}
			resCh := make(chan result, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						resCh <- result{err: fmt.Errorf("panic recovered: %v", r)}
					}
				}()
				out, err := next(tctx, in)
				resCh <- result{out: out, err: err}
			}()

			select {
			case <-tctx.Done():
				return nil, tctx.Err()
			case r := <-resCh:
				return r.out, r.err
			}
		}
	}
}

// RecoveryMiddleware converts panics into errors carrying the stack.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, in Input) (out []Output, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v\n%s", ErrHandlerPanic, r, debug.Stack())
				}
			}()
			return next(ctx, in)
		}
	}
}

// LoggingMiddleware logs each handled input with its duration.
func LoggingMiddleware(logger *xlog.Logger) Middleware {
	if logger == nil {
		logger = xlog.Default()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, in Input) ([]Output, error) {
			start := time.Now()
			out, err := next(ctx, in)
			l := loggerOr(ctx, logger)
			if err != nil {
				l.Warn().Str("queue", in.Queue).Str("id", in.ID()).Dur("took", time.Since(start)).Err(err).Msg("xgate: handler failed")
				return out, err
			}
			l.Debug().Str("queue", in.Queue).Str("id", in.ID()).Dur("took", time.Since(start)).Msg("xgate: handled")
			return out, nil
		}
	}
}

// Chain composes middlewares around a handler in order.
func Chain(h Handler, mws ...Middleware) Handler {
	if len(mws) == 0 {
		return h
	}
	wrapped := h
	// Apply in reverse so that first middleware wraps last.
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
