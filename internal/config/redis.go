package config

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig addresses the Redis server holding the ledger, locks and the
// distributed cache tier.
//
//	REDIS_HOST and REDIS_PORT, or REDIS_ADDR (host:port)
//	REDIS_PASSWORD, optional
//	REDIS_DB, default 0
//	REDIS_TLS, "true" or "1" enables TLS
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TLS      bool
}

func LoadRedisConfig() (RedisConfig, error) {
	var e env
	cfg := loadRedisConfig(&e)
	return cfg, e.err()
}

func loadRedisConfig(e *env) RedisConfig {
	addr := e.str("REDIS_ADDR", "localhost:6379")
	host, port := e.str("REDIS_HOST", ""), e.str("REDIS_PORT", "")
	if host != "" && port != "" {
		addr = host + ":" + port
	}
	return RedisConfig{
		Addr:     addr,
		Password: e.str("REDIS_PASSWORD", ""),
		DB:       e.intOr("REDIS_DB", 0),
		TLS:      e.boolOr("REDIS_TLS", false),
	}
}

// Options converts the config into go-redis client options.
func (c RedisConfig) Options() *redis.Options {
	opts := &redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	}
	if c.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// NewRedisClient connects to Redis and pings it with a short timeout.
// Inventory cannot run without Redis, so a failed ping is an error.
func NewRedisClient(ctx context.Context, c RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(c.Options())
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", c.Addr, err)
	}
	return client, nil
}
