package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitedigest/sitedigest/internal/metrics"
)

func TestLimiterWaitThrottlesPerHost(t *testing.T) {
	metrics.Init()

	// 10 RPS = one token every 100ms, burst 1.
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://example.test/a"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://example.test/b"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterIndependentHosts(t *testing.T) {
	metrics.Init()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.test/"))

	// A different host has its own bucket and must not block.
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.test/"))
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	metrics.Init()

	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "https://c.test/"))

	cancelCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(cancelCtx, "https://c.test/"))
}

func TestLimiterDisabledWhenRPSZero(t *testing.T) {
	metrics.Init()

	l := New(Config{})
	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://d.test/"))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}
