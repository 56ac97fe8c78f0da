package xgate

import (
	"context"
	"fmt"
	"strings"
)

// QuotaStore scopes a Store to one namespace and caps how many distinct
// keys the namespace may hold. Keys are stored as "<namespace>#<key>" and
// the live key count as "count#<namespace>" in the same bucket.
type QuotaStore struct {
	store     Store
	namespace string
	maxKeys   int64
}

var _ Store = (*QuotaStore)(nil)

// NewQuotaStore returns a store for namespace. maxKeys <= 0 means 100.
func NewQuotaStore(s Store, namespace string, maxKeys int64) *QuotaStore {
	if maxKeys <= 0 {
		maxKeys = 100
	}
	return &QuotaStore{store: s, namespace: namespace, maxKeys: maxKeys}
}

func (q *QuotaStore) key(k string) string { return q.namespace + "#" + k }
func (q *QuotaStore) countKey() string    { return "count#" + q.namespace }

// admit reserves a slot for key unless it already exists.
func (q *QuotaStore) admit(ctx context.Context, bucket, key string) error {
	_, found, err := q.store.Get(ctx, bucket, key)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	n, err := q.store.Incr(ctx, bucket, q.countKey(), 1)
	if err != nil {
		return err
	}
	if n > q.maxKeys {
		if _, err := q.store.Incr(ctx, bucket, q.countKey(), -1); err != nil {
			return err
		}
		return fmt.Errorf("%w: namespace %s holds %d keys", ErrQuotaExceeded, q.namespace, q.maxKeys)
	}
	return nil
}

func (q *QuotaStore) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	return q.store.Get(ctx, bucket, q.key(key))
}

func (q *QuotaStore) Set(ctx context.Context, bucket, key string, value []byte) error {
	k := q.key(key)
	if err := q.admit(ctx, bucket, k); err != nil {
		return err
	}
	return q.store.Set(ctx, bucket, k, value)
}

func (q *QuotaStore) Delete(ctx context.Context, bucket, key string) error {
	k := q.key(key)
	_, found, err := q.store.Get(ctx, bucket, k)
	if err != nil {
		return err
	}
	if err := q.store.Delete(ctx, bucket, k); err != nil {
		return err
	}
	if found {
		_, err = q.store.Incr(ctx, bucket, q.countKey(), -1)
	}
	return err
}

func (q *QuotaStore) Incr(ctx context.Context, bucket, key string, delta int64) (int64, error) {
	k := q.key(key)
	if err := q.admit(ctx, bucket, k); err != nil {
		return 0, err
	}
	return q.store.Incr(ctx, bucket, k, delta)
}

// Keys lists the namespace's keys with the prefix removed.
func (q *QuotaStore) Keys(ctx context.Context, bucket string) ([]string, error) {
	all, err := q.store.Keys(ctx, bucket)
	if err != nil {
		return nil, err
	}
	prefix := q.namespace + "#"
	out := make([]string, 0, len(all))
	for _, k := range all {
		if rest, ok := strings.CutPrefix(k, prefix); ok {
			out = append(out, rest)
		}
	}
	return out, nil
}

// Count returns the number of keys charged to the namespace.
func (q *QuotaStore) Count(ctx context.Context, bucket string) (int64, error) {
	return q.store.Incr(ctx, bucket, q.countKey(), 0)
}

// Close is a no-op; the wrapped store is shared.
func (q *QuotaStore) Close() error { return nil }
