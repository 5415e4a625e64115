//go:build integration

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"erpsplit/internal/invalidation"
	"erpsplit/pkg/testutil/containers"
)

func TestPubSubDeliversNotices(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	rc := containers.GetManager().GetRedis(t)
	ps := New(rc.Client, WithChannel("it.invalidation"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	got := make(chan invalidation.Notification, 4)
	done := make(chan error, 1)
	subCtx, stop := context.WithCancel(ctx)
	go func() {
		done <- ps.Subscribe(subCtx, func(_ context.Context, n invalidation.Notification) { got <- n })
	}()

	want := invalidation.Notification{EntityType: "User", EntityID: "u1", Version: 3}
	// The subscription may not be live yet; publish until the first notice lands.
	require.Eventually(t, func() bool {
		if err := ps.Publish(ctx, want); err != nil {
			return false
		}
		select {
		case n := <-got:
			return n == want
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 200*time.Millisecond)

	stop()
	require.NoError(t, <-done)
}
