package xgate

import (
	"context"
	"errors"
	"fmt"

	"github.com/trickstertwo/xlog"
)

// Buckets used by the core.
const (
	BucketDelivery = "delivery"
	BucketReverse  = "reverse"
	BucketOrigin   = "origin"
	BucketDedupe   = "dedupe"
	BucketAudit    = "audit"
)

// RetryingStore retries ErrStoreUnavailable failures of the wrapped Store.
// After the policy is exhausted the last error is returned unchanged.
type RetryingStore struct {
	store  Store
	policy RetryPolicy
	logger *xlog.Logger
}

var _ Store = (*RetryingStore)(nil)

func NewRetryingStore(s Store, policy RetryPolicy, logger *xlog.Logger) *RetryingStore {
	if logger == nil {
		logger = xlog.Default()
	}
	return &RetryingStore{store: s, policy: policy, logger: logger}
}

// Unwrap returns the wrapped store.
func (r *RetryingStore) Unwrap() Store { return r.store }

func (r *RetryingStore) do(ctx context.Context, op, bucket string, fn func(context.Context) error) error {
	attempt := 0
	err := r.policy.Do(ctx, isStoreRetryable, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && attempt > 1 {
			r.logger.Debug().Str("op", op).Str("bucket", bucket).Err(err).Msg("xgate: store retry failed")
		}
		return err
	})
	if err != nil && isStoreRetryable(err) {
		r.logger.Warn().Str("op", op).Str("bucket", bucket).Err(err).Msg("xgate: store unavailable after retries")
	}
	return err
}

func isStoreRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) && !errors.Is(err, context.Canceled)
}

func (r *RetryingStore) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	var (
		val   []byte
		found bool
	)
	err := r.do(ctx, "get", bucket, func(ctx context.Context) error {
		var err error
		val, found, err = r.store.Get(ctx, bucket, key)
		return err
	})
	return val, found, err
}

func (r *RetryingStore) Set(ctx context.Context, bucket, key string, value []byte) error {
	return r.do(ctx, "set", bucket, func(ctx context.Context) error {
		return r.store.Set(ctx, bucket, key, value)
	})
}

func (r *RetryingStore) Delete(ctx context.Context, bucket, key string) error {
	return r.do(ctx, "delete", bucket, func(ctx context.Context) error {
		return r.store.Delete(ctx, bucket, key)
	})
}

// Incr is retried like the other operations. A retry after a lost reply may
// apply the delta twice; counters in the core tolerate over-counting.
func (r *RetryingStore) Incr(ctx context.Context, bucket, key string, delta int64) (int64, error) {
	var n int64
	err := r.do(ctx, "incr", bucket, func(ctx context.Context) error {
		var err error
		n, err = r.store.Incr(ctx, bucket, key, delta)
		return err
	})
	return n, err
}

func (r *RetryingStore) Keys(ctx context.Context, bucket string) ([]string, error) {
	var keys []string
	err := r.do(ctx, "keys", bucket, func(ctx context.Context) error {
		var err error
		keys, err = r.store.Keys(ctx, bucket)
		return err
	})
	return keys, err
}

func (r *RetryingStore) Close() error { return r.store.Close() }

// GetJSON loads a JSON value; found is false when the key is absent.
func GetJSON[T any](ctx context.Context, s Store, bucket, key string) (T, bool, error) {
	var v T
	raw, found, err := s.Get(ctx, bucket, key)
	if err != nil || !found {
		return v, found, err
	}
	if err := jsonAPI.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("decode %s/%s: %w", bucket, key, err)
	}
	return v, true, nil
}

// SetJSON stores v as JSON.
func SetJSON(ctx context.Context, s Store, bucket, key string, v any) error {
	raw, err := jsonAPI.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", bucket, key, err)
	}
	return s.Set(ctx, bucket, key, raw)
}
