package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

type redisBackend struct {
	rdb    *redis.Client
	prefix string
}

func openRedis(cfg Config) (*redisBackend, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("store.redis_addr is required for redis driver")
	}
	prefix := cfg.RedisPrefix
	if prefix == "" {
		prefix = "pushbridge:"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.RedisDB,
	})
	return &redisBackend{rdb: rdb, prefix: prefix}, nil
}

// NewRedis wraps an existing client; used when the caller owns the connection.
func NewRedis(rdb *redis.Client, prefix string) Backend {
	return &redisBackend{rdb: rdb, prefix: prefix}
}

func (r *redisBackend) Get(ctx context.Context, path string) (Record, bool, error) {
	raw, err := r.rdb.Get(ctx, r.prefix+path).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (r *redisBackend) Put(ctx context.Context, path string, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.prefix+path, raw, 0).Err()
}

func (r *redisBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	match := globEscape(r.prefix+prefix+".") + "*"
	var out []string
	iter := r.rdb.Scan(ctx, 0, match, 256).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	return out, iter.Err()
}

func (r *redisBackend) Close() error { return r.rdb.Close() }

func globEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
