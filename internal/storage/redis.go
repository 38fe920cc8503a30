// Redis-backed object store. Bodies stay memory-resident while the fetch
// is in flight and are mirrored to Redis on commit. The store never reads
// the mirrored bodies back, so a restarted proxy starts with none of them.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/edgecache/edged/internal/cache"
)

// RedisClient is the narrow slice of go-redis the store needs.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	Close() error
}

// GoRedisAdapter wraps go-redis v9 to implement RedisClient.
type GoRedisAdapter struct {
	rdb *redis.Client
}

// NewGoRedisAdapter attempts to connect to Redis using the provided
// options. Returns the adapter and any connection error (caller decides
// whether to fall back to malloc-only storage).
func NewGoRedisAdapter(addr, password string, db int) (*GoRedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("redis store connected", "addr", addr, "db", db)
	return &GoRedisAdapter{rdb: rdb}, nil
}

func (a *GoRedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *GoRedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := a.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("key not found: %s", key)
	}
	return val, err
}

func (a *GoRedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.rdb.Del(ctx, keys...).Err()
}

func (a *GoRedisAdapter) Close() error { return a.rdb.Close() }

// RedisStore is a Store that mirrors committed bodies to Redis.
type RedisStore struct {
	*MallocStore
	client RedisClient
	ctx    context.Context
}

func NewRedisStore(client RedisClient, capBytes int64) *RedisStore {
	return &RedisStore{
		MallocStore: NewMallocStore("redis", capBytes),
		client:      client,
		ctx:         context.Background(),
	}
}

func (s *RedisStore) key(obj *cache.Object) string {
	return "edged:obj:" + strconv.FormatUint(obj.XID, 10)
}

func (s *RedisStore) Commit(obj *cache.Object) error {
	ttl := obj.Exp.TTL + obj.Exp.Grace + obj.Exp.Keep
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(s.ctx, s.key(obj), obj.Body, ttl); err != nil {
		return fmt.Errorf("redis store commit: %w", err)
	}
	return nil
}

func (s *RedisStore) Free(obj *cache.Object) {
	if err := s.client.Del(s.ctx, s.key(obj)); err != nil {
		slog.Warn("redis store free failed", "xid", obj.XID, "error", err)
	}
	s.MallocStore.Free(obj)
}
