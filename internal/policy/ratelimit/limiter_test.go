package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWaitDelaysSecondRequest(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var delayedHosts []string
	l := New(Config{
		DefaultRPS:   10, // one token every 100ms
		DefaultBurst: 1,
		OnDelay: func(host string, _ time.Duration) {
			mu.Lock()
			delayedHosts = append(delayedHosts, host)
			mu.Unlock()
		},
	})

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "https://test.com/a"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://test.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"test.com"}, delayedHosts)
}

func TestLimiterBucketsPerHost(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "https://a.example/x"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.example/x"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, 2, l.Hosts())
}

func TestLimiterUnlimitedAndCanceled(t *testing.T) {
	t.Parallel()

	unlimited := New(Config{})
	for i := 0; i < 50; i++ {
		require.NoError(t, unlimited.Wait(context.Background(), "::bad url"))
	}
	require.Equal(t, 1, unlimited.Hosts())

	slow := New(Config{DefaultRPS: 0.001, DefaultBurst: 1})
	require.NoError(t, slow.Wait(context.Background(), "https://slow.example"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, slow.Wait(ctx, "https://slow.example"))
}
