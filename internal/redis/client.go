// Package redis backs the hub's shared state with Redis: offline backlogs,
// request and queue-message deduplication, and API rate limiting.
package redis

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// keyPrefix namespaces every key this service writes.
const keyPrefix = "hrpulse:"

type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// options sizes the pool for one gateway: every REST call may touch the
// limiter and the idempotency store, and every offline send the backlog.
func (c Config) options() *redis.Options {
	return &redis.Options{
		Addr:         c.Addr(),
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     20,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
}

type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New dials and verifies the server answers before returning.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(cfg.options())
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.Addr(), err)
	}

	logger.Info("redis connected", zap.String("addr", cfg.Addr()), zap.Int("db", cfg.DB))
	return &Client{rdb: rdb, logger: logger}, nil
}

// Ping backs the /ready check.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
