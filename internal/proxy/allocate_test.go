package proxy_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/crawlord/internal/apperr"
	"github.com/swarmguard/crawlord/internal/model"
	"github.com/swarmguard/crawlord/internal/proxy"
)

func openTestStore(t *testing.T) *proxy.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxydb")
	s, err := proxy.Open(path, proxy.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreateProxy(t *testing.T, s *proxy.Store, id string) {
	t.Helper()
	require.NoError(t, s.CreateProxy(context.Background(), &model.Proxy{ID: id, Host: "10.0.0.1", Port: 1080, Protocol: "socks5", Active: true}))
}

func TestAcquire_PrefersLeastRecentlyUsed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateProxy(t, s, "p1")
	mustCreateProxy(t, s, "p2")
	require.NoError(t, s.Bind(ctx, "host-a", "p1", 1))
	require.NoError(t, s.Bind(ctx, "host-a", "p2", 1))

	now := time.Now()
	h1, err := s.Acquire(ctx, "host-a", now)
	require.NoError(t, err)
	h2, err := s.Acquire(ctx, "host-a", now.Add(time.Second))
	require.NoError(t, err)

	assert.NotEqual(t, h1.ProxyID, h2.ProxyID, "two concurrent-ish acquires must not return the same identity")
}

func TestAcquire_NoProxyAvailableWhenNoneBound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Acquire(context.Background(), "host-a", time.Now())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNoProxyAvailable))
}

func TestAcquire_SkipsBindingPastFailureThreshold(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateProxy(t, s, "p1")
	require.NoError(t, s.Bind(ctx, "host-a", "p1", 1))

	h, err := s.Acquire(ctx, "host-a", time.Now())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Release(ctx, h, proxy.Outcome{Success: false, Reason: "timeout"}))
	}

	_, err = s.Acquire(ctx, "host-a", time.Now())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNoProxyAvailable))
}

func TestRelease_SuccessResetsConsecutiveFailures(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateProxy(t, s, "p1")
	require.NoError(t, s.Bind(ctx, "host-a", "p1", 1))

	h, err := s.Acquire(ctx, "host-a", time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, h, proxy.Outcome{Success: false}))
	require.NoError(t, s.Release(ctx, h, proxy.Outcome{Success: true, LatencyMS: 120}))

	stats, err := s.Stats(ctx, "host-a")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 0, stats[0].ConsecutiveFailures)
	assert.Equal(t, int64(1), stats[0].SuccessCount)
}

func TestAcquire_IndependentHealthPerHost(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateProxy(t, s, "p1")
	require.NoError(t, s.Bind(ctx, "host-a", "p1", 1))
	require.NoError(t, s.Bind(ctx, "host-b", "p1", 1))

	h, err := s.Acquire(ctx, "host-a", time.Now())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Release(ctx, h, proxy.Outcome{Success: false}))
	}
	_, err = s.Acquire(ctx, "host-a", time.Now())
	require.Error(t, err)

	// Same proxy remains healthy against the other host.
	_, err = s.Acquire(ctx, "host-b", time.Now())
	require.NoError(t, err)
}

// TestAcquire_ConcurrentCallsReturnDistinctIdentities guards against the
// selection and the last_used_at touch drifting apart into separate
// transactions: if they ever did, goroutines racing on the same host
// could read the same least-recently-used candidate before either wrote
// its touch, and more than one would win the same proxy.
func TestAcquire_ConcurrentCallsReturnDistinctIdentities(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateProxy(t, s, "p1")
	mustCreateProxy(t, s, "p2")
	mustCreateProxy(t, s, "p3")
	require.NoError(t, s.Bind(ctx, "host-a", "p1", 1))
	require.NoError(t, s.Bind(ctx, "host-a", "p2", 1))
	require.NoError(t, s.Bind(ctx, "host-a", "p3", 1))

	const workers = 3
	results := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := s.Acquire(ctx, "host-a", time.Now())
			if err != nil {
				results <- ""
				return
			}
			results <- h.ProxyID
		}()
	}
	wg.Wait()
	close(results)

	seen := map[string]int{}
	for id := range results {
		require.NotEmpty(t, id, "every concurrent Acquire must succeed with 3 candidates for 3 callers")
		seen[id]++
	}
	assert.Len(t, seen, workers, "each concurrent Acquire must be handed a distinct proxy identity")
	for id, count := range seen {
		assert.Equal(t, 1, count, "proxy %s was handed to more than one concurrent Acquire", id)
	}
}

func TestUnbind_RemovesProxyFromSelection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateProxy(t, s, "p1")
	require.NoError(t, s.Bind(ctx, "host-a", "p1", 1))
	require.NoError(t, s.Unbind(ctx, "host-a", "p1"))

	_, err := s.Acquire(ctx, "host-a", time.Now())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNoProxyAvailable))
}
