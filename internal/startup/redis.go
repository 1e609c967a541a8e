package startup

import (
	"context"
	"time"

	"github.com/notehub/chat/internal/logger"
	"github.com/notehub/chat/internal/storage"
	"github.com/notehub/chat/internal/storage/memory"
	redisstorage "github.com/notehub/chat/internal/storage/redis"
)

// OpenStore возвращает Redis-хранилище с повторами подключения; пустой URL — хранилище в памяти
// (один процесс, лимиты и подписки теряются при рестарте).
func OpenStore(ctx context.Context, redisURL string, maxWait time.Duration) (storage.Store, error) {
	if redisURL == "" {
		logger.Info("REDIS_URL not set, using in-memory store")
		return memory.New(), nil
	}
	var client *redisstorage.Client
	err := retry(ctx, maxWait, "redis", func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		c, err := redisstorage.New(cctx, redisURL)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}
