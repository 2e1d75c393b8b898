package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultQueryTimeout bounds every Redis round trip made by the cache
const DefaultQueryTimeout = 5 * time.Second

// Redis is a Cache backed by Redis. Entries are msgpack encoded and live
// under "<prefix>:ns:<version>:<key hash>"; the set "<prefix>:namespaces"
// tracks which namespaces exist. The caller owns the client lifecycle.
type Redis struct {
	client       *redis.Client
	prefix       string
	queryTimeout time.Duration

	mu      sync.RWMutex
	current string
}

var _ Cache = (*Redis)(nil)

// RedisOption configures a Redis cache
type RedisOption func(*Redis)

// WithPrefix sets the key prefix. Defaults to "surveysync".
func WithPrefix(p string) RedisOption {
	return func(r *Redis) { r.prefix = p }
}

// WithQueryTimeout sets the per-operation timeout
func WithQueryTimeout(d time.Duration) RedisOption {
	return func(r *Redis) { r.queryTimeout = d }
}

// NewRedis returns a Cache using client
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client:       client,
		prefix:       "surveysync",
		queryTimeout: DefaultQueryTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Redis) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, r.queryTimeout)
}

func (r *Redis) namespacesKey() string {
	return r.prefix + ":namespaces"
}

func (r *Redis) nsPrefix(version string) string {
	return r.prefix + ":ns:" + version + ":"
}

func (r *Redis) entryKey(key Key) (string, error) {
	r.mu.RLock()
	ns := r.current
	r.mu.RUnlock()
	if ns == "" {
		return "", ErrNoNamespace
	}
	return r.nsPrefix(ns) + key.Hash(), nil
}

func (r *Redis) OpenNamespace(ctx context.Context, version string) error {
	if err := validNamespace(version); err != nil {
		return err
	}
	qctx, cancel := r.queryCtx(ctx)
	defer cancel()
	if err := r.client.SAdd(qctx, r.namespacesKey(), version).Err(); err != nil {
		return fmt.Errorf("open namespace %s: %w", version, err)
	}
	r.mu.Lock()
	r.current = version
	r.mu.Unlock()
	return nil
}

func (r *Redis) Namespaces(ctx context.Context) ([]string, error) {
	qctx, cancel := r.queryCtx(ctx)
	defer cancel()
	names, err := r.client.SMembers(qctx, r.namespacesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (r *Redis) PurgeAllExcept(ctx context.Context, version string) ([]string, error) {
	names, err := r.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	var (
		deleted []string
		errs    []error
	)
	for _, name := range names {
		if name == version {
			continue
		}
		if err := r.dropNamespace(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete namespace %s: %w", name, err))
			continue
		}
		deleted = append(deleted, name)
	}
	return deleted, errors.Join(errs...)
}

func (r *Redis) dropNamespace(ctx context.Context, name string) error {
	var cursor uint64
	for {
		qctx, cancel := r.queryCtx(ctx)
		keys, next, err := r.client.Scan(qctx, cursor, r.nsPrefix(name)+"*", 256).Result()
		if err == nil && len(keys) > 0 {
			err = r.client.Del(qctx, keys...).Err()
		}
		cancel()
		if err != nil {
			return err
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	qctx, cancel := r.queryCtx(ctx)
	defer cancel()
	return r.client.SRem(qctx, r.namespacesKey(), name).Err()
}

func (r *Redis) Lookup(ctx context.Context, key Key) (*Entry, bool, error) {
	k, err := r.entryKey(key)
	if err != nil {
		return nil, false, err
	}
	qctx, cancel := r.queryCtx(ctx)
	defer cancel()
	data, err := r.client.Get(qctx, k).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache entry: %w", err)
	}
	var entry Entry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("decode cache entry: %w", err)
	}
	return &entry, true, nil
}

func (r *Redis) Store(ctx context.Context, key Key, entry *Entry) error {
	k, err := r.entryKey(key)
	if err != nil {
		return err
	}
	data, err := msgpack.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	qctx, cancel := r.queryCtx(ctx)
	defer cancel()
	if err := r.client.Set(qctx, k, data, 0).Err(); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

// Close is a no-op; the caller owns the client
func (r *Redis) Close() error {
	return nil
}
