package memory

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/notehub/chat/internal/storage"
)

type subsItem struct {
	subs []storage.PushSubscription
	exp  time.Time
}

// Client хранит лимиты и подписки в памяти процесса. Лимиты — token bucket из x/time/rate
// с ёмкостью limit и пополнением limit/window.
type Client struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	subs     map[int64]subsItem
}

func New() *Client {
	return &Client{
		limiters: make(map[string]*rate.Limiter),
		subs:     make(map[int64]subsItem),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	c.mu.Lock()
	l, ok := c.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
		c.limiters[key] = l
	}
	c.mu.Unlock()
	return l.Allow(), nil
}

func (c *Client) AddSubscription(ctx context.Context, userID int64, sub storage.PushSubscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.liveLocked(userID)
	out := make([]storage.PushSubscription, 0, len(kept)+1)
	for _, s := range kept {
		if s.Endpoint != sub.Endpoint {
			out = append(out, s)
		}
	}
	out = append(out, sub)
	if len(out) > storage.MaxSubsPerUser {
		out = out[len(out)-storage.MaxSubsPerUser:]
	}
	c.subs[userID] = subsItem{subs: out, exp: time.Now().Add(storage.SubscriptionTTL)}
	return nil
}

func (c *Client) RemoveSubscription(ctx context.Context, userID int64, endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.subs[userID]
	if !ok {
		return nil
	}
	kept := item.subs[:0]
	for _, s := range item.subs {
		if s.Endpoint != endpoint {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(c.subs, userID)
		return nil
	}
	item.subs = kept
	c.subs[userID] = item
	return nil
}

func (c *Client) Subscriptions(ctx context.Context, userID int64) ([]storage.PushSubscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	live := c.liveLocked(userID)
	out := make([]storage.PushSubscription, len(live))
	copy(out, live)
	return out, nil
}

func (c *Client) liveLocked(userID int64) []storage.PushSubscription {
	item, ok := c.subs[userID]
	if !ok {
		return nil
	}
	if time.Now().After(item.exp) {
		delete(c.subs, userID)
		return nil
	}
	return item.subs
}
