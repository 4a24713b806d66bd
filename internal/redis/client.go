package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/peerlink/signalhub/internal/config"
)

// Module is the fx module for the shared Redis client. The publisher and the
// subscriber both run over this one configured endpoint.
var Module = fx.Module("redis",
	fx.Provide(NewClient),
)

// Client wraps the go-redis client so consumers depend on one pod-wide
// connection pool.
type Client struct {
	*redis.Client
}

// NewClient creates the Redis client and verifies connectivity on startup.
func NewClient(lc fx.Lifecycle, cfg *config.Config) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to redis", "addr", cfg.Redis.Addr, "error", err)
		return nil, errors.New("failed to connect to redis")
	}

	slog.Info("connected to redis", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)

	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			if err := client.Close(); err != nil {
				slog.Error("failed to close redis client", "error", err)
				return err
			}
			slog.Info("redis connection closed")
			return nil
		},
	})

	return &Client{Client: client}, nil
}

// IsAvailable checks whether Redis answers a ping.
func (c *Client) IsAvailable(ctx context.Context) error {
	return c.Ping(ctx).Err()
}
