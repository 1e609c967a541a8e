package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/notehub/chat/internal/storage"
)

var _ storage.Store = (*Client)(nil)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func sub(endpoint string) storage.PushSubscription {
	var s storage.PushSubscription
	s.Endpoint = endpoint
	s.Keys.P256dh = "p256"
	s.Keys.Auth = "auth"
	return s
}

func TestAllow_FixedWindow(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := c.Allow(ctx, "send:1", 3, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := c.Allow(ctx, "send:1", 3, time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = c.Allow(ctx, "send:2", 3, time.Second)
	require.NoError(t, err)
	require.True(t, ok, "limits are per key")

	mr.FastForward(2 * time.Second)
	ok, err = c.Allow(ctx, "send:1", 3, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSubscriptions(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.AddSubscription(ctx, 7, sub("https://push/a")))
	require.NoError(t, c.AddSubscription(ctx, 7, sub("https://push/b")))
	require.NoError(t, c.AddSubscription(ctx, 7, sub("https://push/a")))

	subs, err := c.Subscriptions(ctx, 7)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	require.Equal(t, "https://push/b", subs[0].Endpoint)
	require.Equal(t, "https://push/a", subs[1].Endpoint)

	require.NoError(t, c.RemoveSubscription(ctx, 7, "https://push/b"))
	subs, err = c.Subscriptions(ctx, 7)
	require.NoError(t, err)
	require.Len(t, subs, 1)

	empty, err := c.Subscriptions(ctx, 8)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestSubscriptions_Capped(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	for i := 0; i < storage.MaxSubsPerUser+3; i++ {
		require.NoError(t, c.AddSubscription(ctx, 1, sub("https://push/"+string(rune('a'+i)))))
	}
	subs, err := c.Subscriptions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, subs, storage.MaxSubsPerUser)
	require.Equal(t, "https://push/d", subs[0].Endpoint)
}
