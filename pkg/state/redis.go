package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dotsetgreg/chatrelay/pkg/config"
	"github.com/redis/go-redis/v9"
)

const redisPingTimeout = 5 * time.Second

type redisBackend struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects to a redis server shared by every bot instance. The
// connection is checked with PING before the store is returned.
func OpenRedis(ctx context.Context, cfg config.RedisConfig, codec Codec) (Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return newCodecStore(&redisBackend{client: client, prefix: cfg.Prefix}, codec), nil
}

func (b *redisBackend) key(k string) string {
	return b.prefix + k
}

func (b *redisBackend) load(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := b.client.Get(ctx, b.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (b *redisBackend) save(ctx context.Context, key string, _ Mode, data []byte) error {
	return b.client.Set(ctx, b.key(key), data, 0).Err()
}

func (b *redisBackend) close() error {
	return b.client.Close()
}
