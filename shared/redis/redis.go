// Package redis wraps the go-redis client for the two things this
// service needs it for: relaying feed events between instances and
// caching scenario openings.
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	client *redis.Client
}

// Options configures the redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

func NewClient(opts Options) *Client {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Client{client: client}
}

func (r *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return r.client.Set(ctx, key, value, expiration).Err()
}

func (r *Client) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, key).Result()
}

// IsNil reports whether err is the cache-miss sentinel.
func IsNil(err error) bool {
	return err == redis.Nil
}

func (r *Client) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Publish sends a payload on a relay channel.
func (r *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

// Subscribe delivers every payload published on channel to handler until
// ctx is cancelled.
func (r *Client) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error {
	sub := r.client.Subscribe(ctx, channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handler([]byte(msg.Payload))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Ping checks connectivity, for health checks.
func (r *Client) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (r *Client) Close() error {
	return r.client.Close()
}
