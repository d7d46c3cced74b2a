package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWaitPacesSameHost(t *testing.T) {
	t.Parallel()

	// 10 requests per second = 100ms interval, burst 1.
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://test.com"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://TEST.com/other"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterDifferentDomains(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.com/1"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.com/1"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterUnlimitedAndCanceled(t *testing.T) {
	t.Parallel()

	unlimited := New(Config{})
	for range 5 {
		require.NoError(t, unlimited.Wait(context.Background(), "https://a.com"))
	}

	slow := New(Config{DefaultRPS: 0.01, DefaultBurst: 1})
	require.NoError(t, slow.Wait(context.Background(), "https://a.com"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, slow.Wait(ctx, "https://a.com"))
}

func TestLimiterSetRateOverridesHost(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.01, DefaultBurst: 1})
	l.SetRate("https://fast.example/", 0)
	for range 5 {
		require.NoError(t, l.Wait(context.Background(), "https://fast.example/page"))
	}

	l.SetRate("https://fast.example/", 0.01)
	require.NoError(t, l.Wait(context.Background(), "https://fast.example/burst"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://fast.example/again"))
}
