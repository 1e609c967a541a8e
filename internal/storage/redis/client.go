package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/notehub/chat/internal/storage"
)

const (
	rateKeyPrefix = "rl:"
	subsKeyPrefix = "push:subs:"
)

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

// NewFromClient оборачивает готовый клиент (тесты с miniredis, общий пул с startup).
func NewFromClient(cli *redis.Client) *Client {
	return &Client{cli: cli}
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Allow — фиксированное окно: INCR rl:{key}, на первом событии окна ставится EXPIRE.
func (c *Client) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	k := rateKeyPrefix + key
	n, err := c.cli.Incr(ctx, k).Result()
	if err != nil {
		return false, fmt.Errorf("redis rate incr: %w", err)
	}
	if n == 1 {
		c.cli.Expire(ctx, k, window)
	}
	return n <= int64(limit), nil
}

func subsKey(userID int64) string {
	return subsKeyPrefix + strconv.FormatInt(userID, 10)
}

// AddSubscription добавляет подписку в конец списка push:subs:{user}; повтор того же endpoint заменяет старую запись.
func (c *Client) AddSubscription(ctx context.Context, userID int64, sub storage.PushSubscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("subscription encode: %w", err)
	}
	if err := c.RemoveSubscription(ctx, userID, sub.Endpoint); err != nil {
		return err
	}
	key := subsKey(userID)
	pipe := c.cli.Pipeline()
	pipe.RPush(ctx, key, string(raw))
	pipe.LTrim(ctx, key, -storage.MaxSubsPerUser, -1)
	pipe.Expire(ctx, key, storage.SubscriptionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("subscribe redis: %w", err)
	}
	return nil
}

// RemoveSubscription убирает все записи с данным endpoint.
func (c *Client) RemoveSubscription(ctx context.Context, userID int64, endpoint string) error {
	key := subsKey(userID)
	list, err := c.cli.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis lrange: %w", err)
	}
	for _, item := range list {
		var sub storage.PushSubscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint == endpoint {
			if err := c.cli.LRem(ctx, key, 0, item).Err(); err != nil {
				return fmt.Errorf("redis lrem: %w", err)
			}
		}
	}
	return nil
}

func (c *Client) Subscriptions(ctx context.Context, userID int64) ([]storage.PushSubscription, error) {
	list, err := c.cli.LRange(ctx, subsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	subs := make([]storage.PushSubscription, 0, len(list))
	for _, item := range list {
		var sub storage.PushSubscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint != "" {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

