package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupPrefix = "dedup:"

// Client is the shared dedup window: every gateway process sees the same
// keys, so a retried send routed to another instance is still dropped.
type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

// NewFromClient wraps an existing go-redis client.
func NewFromClient(cli *redis.Client) *Client {
	return &Client{cli: cli}
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Redis exposes the underlying client for callers sharing the connection.
func (c *Client) Redis() *redis.Client {
	return c.cli
}

func (c *Client) Seen(ctx context.Context, key string) (bool, error) {
	n, err := c.cli.Exists(ctx, dedupPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis dedup exists: %w", err)
	}
	return n > 0, nil
}

// Register is SET NX PX: atomic across processes, expiry handled by Redis.
func (c *Client) Register(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.cli.SetNX(ctx, dedupPrefix+key, 1, ttl).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("redis dedup setnx: %w", err)
	}
	return ok, nil
}

func (c *Client) Release(ctx context.Context, key string) error {
	if err := c.cli.Del(ctx, dedupPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis dedup del: %w", err)
	}
	return nil
}

// FlushDB clears the current database (tests and local resets).
func (c *Client) FlushDB(ctx context.Context) error {
	return c.cli.FlushDB(ctx).Err()
}
