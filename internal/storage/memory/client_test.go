package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/notehub/chat/internal/storage"
)

var _ storage.Store = (*Client)(nil)

func TestAllow_Burst(t *testing.T) {
	c := New()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ok, err := c.Allow(ctx, "typing:1", 5, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := c.Allow(ctx, "typing:1", 5, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = c.Allow(ctx, "typing:2", 5, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSubscriptions_ReplaceAndRemove(t *testing.T) {
	c := New()
	ctx := context.Background()
	var a, b storage.PushSubscription
	a.Endpoint, b.Endpoint = "https://push/a", "https://push/b"

	require.NoError(t, c.AddSubscription(ctx, 1, a))
	require.NoError(t, c.AddSubscription(ctx, 1, b))
	require.NoError(t, c.AddSubscription(ctx, 1, a))
	subs, err := c.Subscriptions(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"https://push/b", "https://push/a"}, []string{subs[0].Endpoint, subs[1].Endpoint})

	require.NoError(t, c.RemoveSubscription(ctx, 1, "https://push/a"))
	require.NoError(t, c.RemoveSubscription(ctx, 1, "https://push/b"))
	subs, err = c.Subscriptions(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, subs)
}
