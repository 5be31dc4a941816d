package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/die-net/proxyfeed/internal/fault"
	"github.com/die-net/proxyfeed/internal/proxy"
)

const DefaultRedisPrefix = "proxyfeed"

// RedisStore keeps the pool and ledger as two JSON values in Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisUniversalClient creates a redis client from a redis:// URL.
func NewRedisUniversalClient(redisAddr string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(redisAddr)
	if err != nil {
		return nil, fmt.Errorf("cant parse redis url: %w", err)
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{opts.Addr},
		DB:           opts.DB,
		Username:     opts.Username,
		Password:     opts.Password,
		TLSConfig:    opts.TLSConfig,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		MaxRetries:   opts.MaxRetries,
		PoolSize:     opts.PoolSize,
	}), nil
}

// NewRedisStore stores snapshots under "<prefix>:pool" and "<prefix>:ledger".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) poolKey() string   { return s.prefix + ":pool" }
func (s *RedisStore) ledgerKey() string { return s.prefix + ":ledger" }

func (s *RedisStore) LoadPool(ctx context.Context) (proxy.Pool, error) {
	b, err := s.get(ctx, s.poolKey())
	if err != nil || b == nil {
		return proxy.Pool{}, err
	}
	return decodePool("decode "+s.poolKey(), b)
}

func (s *RedisStore) SavePool(ctx context.Context, pool proxy.Pool) error {
	b, err := encodePool(pool)
	if err != nil {
		return fault.NewMalformed("encode "+s.poolKey(), err)
	}
	return s.set(ctx, s.poolKey(), b)
}

func (s *RedisStore) LoadLedger(ctx context.Context) (*proxy.Ledger, error) {
	b, err := s.get(ctx, s.ledgerKey())
	if err != nil || b == nil {
		return proxy.NewLedger(), err
	}
	return decodeLedger("decode "+s.ledgerKey(), b)
}

func (s *RedisStore) SaveLedger(ctx context.Context, l *proxy.Ledger) error {
	b, err := encodeLedger(l)
	if err != nil {
		return fault.NewMalformed("encode "+s.ledgerKey(), err)
	}
	return s.set(ctx, s.ledgerKey(), b)
}

// Ping checks that the server is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fault.NewTransient("redis ping", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// get returns nil, nil when key does not exist.
func (s *RedisStore) get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.NewTransient("redis get "+key, err)
	}
	return b, nil
}

func (s *RedisStore) set(ctx context.Context, key string, b []byte) error {
	if err := s.client.Set(ctx, key, b, 0).Err(); err != nil {
		return fault.NewTransient("redis set "+key, err)
	}
	return nil
}
