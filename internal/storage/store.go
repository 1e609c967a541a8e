package storage

import (
	"context"
	"time"
)

// PushSubscription — подписка браузера на Web Push (формат PushSubscription.toJSON()).
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Limiter — ограничение частоты по ключу: не больше limit событий за window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// PushSubscriptions хранит подписки пользователя (не больше MaxSubsPerUser, новые вытесняют старые).
type PushSubscriptions interface {
	AddSubscription(ctx context.Context, userID int64, sub PushSubscription) error
	RemoveSubscription(ctx context.Context, userID int64, endpoint string) error
	Subscriptions(ctx context.Context, userID int64) ([]PushSubscription, error)
}

// Store — эфемерное состояние шлюза. Реализации: redis.Client, memory.Client (для -dev без Redis).
type Store interface {
	Limiter
	PushSubscriptions
	Close() error
}

const (
	MaxSubsPerUser  = 10
	SubscriptionTTL = 30 * 24 * time.Hour
)
