// Package cache memoizes foreign key lookups (pk to public id). Writers clear
// the entry of every saved record before their transaction closes; there is
// no TTL.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"ban/internal/resource/models"
	"ban/pkg/platform/tx"
)

// Store is a key-value backend for references.
type Store interface {
	Get(ctx context.Context, key string) (models.Ref, bool, error)
	Set(ctx context.Context, key string, ref models.Ref) error
	Delete(ctx context.Context, keys ...string) error
}

// Key returns the cache key of a record.
func Key(resource string, pk int64) string {
	return resource + ":" + strconv.FormatInt(pk, 10)
}

// Memory is a process-local Store.
type Memory struct {
	mu    sync.RWMutex
	items map[string]models.Ref
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]models.Ref)}
}

func (m *Memory) Get(_ context.Context, key string) (models.Ref, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.items[key]
	return ref, ok, nil
}

func (m *Memory) Set(_ context.Context, key string, ref models.Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = ref
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}

// Len returns the number of cached entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Redis shares references across replicas.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client, prefix: "ban:ref:"}
}

func (r *Redis) Get(ctx context.Context, key string) (models.Ref, bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Ref{}, false, nil
	}
	if err != nil {
		return models.Ref{}, false, fmt.Errorf("redis get: %w", err)
	}
	var ref models.Ref
	if err := json.Unmarshal(raw, &ref); err != nil {
		return models.Ref{}, false, fmt.Errorf("decode cached ref: %w", err)
	}
	return ref, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, ref models.Ref) error {
	raw, err := json.Marshal(ref)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.prefix+key, raw, 0).Err()
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}
	return r.client.Del(ctx, full...).Err()
}

// Observer receives hit/miss notifications.
type Observer interface {
	CacheHit()
	CacheMiss()
}

// Refs reads references through the cache, collapsing concurrent misses.
type Refs struct {
	store    Store
	group    singleflight.Group
	observer Observer
	logger   *slog.Logger
}

type Option func(*Refs)

func WithObserver(o Observer) Option {
	return func(r *Refs) { r.observer = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Refs) { r.logger = l }
}

func NewRefs(store Store, opts ...Option) *Refs {
	r := &Refs{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the reference of resource/pk, calling load on a miss. Inside a
// transaction the cache is bypassed so uncommitted state is never shared.
func (r *Refs) Get(ctx context.Context, resource string, pk int64, load func(context.Context) (models.Ref, error)) (models.Ref, error) {
	if tx.Active(ctx) {
		return load(ctx)
	}
	key := Key(resource, pk)
	if ref, ok, err := r.store.Get(ctx, key); err != nil {
		r.logger.WarnContext(ctx, "reference cache read failed", "key", key, "error", err)
	} else if ok {
		r.hit()
		return ref, nil
	}
	r.miss()

	v, err, _ := r.group.Do(key, func() (any, error) {
		ref, err := load(ctx)
		if err != nil {
			return models.Ref{}, err
		}
		if err := r.store.Set(ctx, key, ref); err != nil {
			r.logger.WarnContext(ctx, "reference cache write failed", "key", key, "error", err)
		}
		return ref, nil
	})
	if err != nil {
		return models.Ref{}, err
	}
	return v.(models.Ref), nil
}

// Invalidate clears the entry of a saved record.
func (r *Refs) Invalidate(ctx context.Context, resource string, pk int64) error {
	return r.store.Delete(ctx, Key(resource, pk))
}

func (r *Refs) hit() {
	if r.observer != nil {
		r.observer.CacheHit()
	}
}

func (r *Refs) miss() {
	if r.observer != nil {
		r.observer.CacheMiss()
	}
}
