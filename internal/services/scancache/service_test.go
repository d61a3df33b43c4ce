package scancache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/sweep/internal/common"
	"github.com/bobmcallan/sweep/internal/events"
	"github.com/bobmcallan/sweep/internal/models"
)

func newTestCache(t *testing.T) (*Service, *events.Bus) {
	t.Helper()
	cfg := common.NewDefaultConfig()
	cfg.Cache.TTL = "1h"
	logger := common.NewLogger("error")
	bus := events.NewBus(logger, 256)
	t.Cleanup(bus.Close)
	return NewService(cfg, logger, bus), bus
}

func TestCache_PutGet(t *testing.T) {
	cache, _ := newTestCache(t)

	cache.Put("fp-1", "/repo/a", "artifact-1", time.Hour)

	got, ok := cache.Get("fp-1")
	require.True(t, ok)
	assert.Equal(t, "artifact-1", got)

	_, ok = cache.Get("fp-missing")
	assert.False(t, ok)

	stats := cache.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestCache_TTLExpiry(t *testing.T) {
	cache, _ := newTestCache(t)

	cache.Put("fp-1", "/repo/a", "artifact-1", 10*time.Millisecond)
	_, ok := cache.Get("fp-1")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	_, ok = cache.Get("fp-1")
	assert.False(t, ok, "expired entry must miss")
	assert.Equal(t, 0, cache.Stats().Entries)
}

func TestCache_DoSingleFlight(t *testing.T) {
	cache, _ := newTestCache(t)

	var builds atomic.Int64
	release := make(chan struct{})
	builder := func(_ context.Context) (interface{}, error) {
		builds.Add(1)
		<-release
		return "built", nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]interface{}, callers)
	fromCache := make([]bool, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], fromCache[i], errs[i] = cache.Do(context.Background(), "fp-1", "/repo/a", time.Hour, builder)
		}(i)
	}

	// Let every caller reach the flight before the build finishes.
	require.Eventually(t, func() bool {
		return cache.Stats().InFlight == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), builds.Load(), "builder must run exactly once")

	leaders := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "built", results[i])
		if !fromCache[i] {
			leaders++
		}
	}
	assert.Equal(t, 1, leaders, "exactly one caller is the leader")

	// Subsequent call is a plain hit.
	got, cached, err := cache.Do(context.Background(), "fp-1", "/repo/a", time.Hour, builder)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, "built", got)
	assert.Equal(t, int64(1), builds.Load())
}

func TestCache_DoSharesBuildError(t *testing.T) {
	cache, _ := newTestCache(t)

	var builds atomic.Int64
	release := make(chan struct{})
	builder := func(_ context.Context) (interface{}, error) {
		builds.Add(1)
		<-release
		return nil, fmt.Errorf("scan blew up")
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = cache.Do(context.Background(), "fp-1", "", time.Hour, builder)
		}(i)
	}
	require.Eventually(t, func() bool {
		return cache.Stats().InFlight == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), builds.Load())
	for i := 0; i < 3; i++ {
		assert.EqualError(t, errs[i], "scan blew up")
	}

	// Failed builds are not cached.
	_, ok := cache.Get("fp-1")
	assert.False(t, ok)
}

func TestCache_DoWaiterCancellation(t *testing.T) {
	cache, _ := newTestCache(t)

	release := make(chan struct{})
	defer close(release)
	builder := func(_ context.Context) (interface{}, error) {
		<-release
		return "built", nil
	}

	go cache.Do(context.Background(), "fp-1", "", time.Hour, builder)
	require.Eventually(t, func() bool {
		return cache.Stats().InFlight == 1
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := cache.Do(ctx, "fp-1", "", time.Hour, builder)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCache_Invalidate(t *testing.T) {
	cache, bus := newTestCache(t)

	ch, cancel := bus.SubscribeTypes(models.EventCacheInvalidated)
	defer cancel()

	cache.Put("fp-1", "/repo/a", "a1", time.Hour)

	assert.Equal(t, 1, cache.Invalidate("fp-1"))
	assert.Equal(t, 0, cache.Invalidate("fp-1"), "second invalidate finds nothing")

	_, ok := cache.Get("fp-1")
	assert.False(t, ok)
	assert.Equal(t, int64(1), cache.Stats().Invalidations)

	select {
	case evt := <-ch:
		payload, ok := evt.Payload.(models.CachePayload)
		require.True(t, ok)
		assert.Equal(t, "fp-1", payload.Fingerprint)
	case <-time.After(2 * time.Second):
		t.Fatal("expected cache:invalidated event")
	}
}

func TestCache_InvalidateRepository(t *testing.T) {
	cache, _ := newTestCache(t)

	cache.Put("fp-1", "/repo/a", "a1", time.Hour)
	cache.Put("fp-2", "/repo/a", "a2", time.Hour)
	cache.Put("fp-3", "/repo/b", "b1", time.Hour)

	assert.Equal(t, 2, cache.InvalidateRepository("/repo/a"))
	assert.Equal(t, 0, cache.InvalidateRepository("/repo/a"))
	assert.Equal(t, 0, cache.InvalidateRepository("/repo/unknown"))

	_, ok := cache.Get("fp-3")
	assert.True(t, ok, "other repository untouched")
	assert.Equal(t, int64(2), cache.Stats().Invalidations)
}

func TestCache_PutReplacesAndReindexes(t *testing.T) {
	cache, _ := newTestCache(t)

	cache.Put("fp-1", "/repo/a", "v1", time.Hour)
	cache.Put("fp-1", "/repo/b", "v2", time.Hour)

	got, ok := cache.Get("fp-1")
	require.True(t, ok)
	assert.Equal(t, "v2", got)

	// The old repository index no longer claims the fingerprint.
	assert.Equal(t, 0, cache.InvalidateRepository("/repo/a"))
	assert.Equal(t, 1, cache.InvalidateRepository("/repo/b"))
}

func TestCache_Entries(t *testing.T) {
	cache, _ := newTestCache(t)

	cache.Put("fp-1", "/repo/a", "a1", time.Hour)
	time.Sleep(5 * time.Millisecond)
	cache.Put("fp-2", "/repo/b", "b1", time.Hour)
	cache.Put("fp-3", "", "c1", 1*time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	entries := cache.Entries()
	require.Len(t, entries, 2, "expired entries are dropped from listings")
	assert.Equal(t, "fp-2", entries[0].Fingerprint, "newest first")
	assert.Equal(t, "/repo/a", entries[1].RepositoryPath)
}

func TestCache_DefaultTTLWhenZero(t *testing.T) {
	cfg := common.NewDefaultConfig()
	cfg.Cache.TTL = "25ms"
	logger := common.NewLogger("error")
	cache := NewService(cfg, logger, events.NewBus(logger, 64))

	cache.Put("fp-1", "", "v", 0)
	_, ok := cache.Get("fp-1")
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)
	_, ok = cache.Get("fp-1")
	assert.False(t, ok, "zero ttl falls back to the configured default")
}

func TestCacheConfig_TTLOverride(t *testing.T) {
	cfg := common.NewDefaultConfig()
	cfg.Cache.TTL = "1h"
	cfg.Cache.TTLOverrides = map[string]string{"duplicate-detection": "15m", "bad": "nonsense"}

	assert.Equal(t, 15*time.Minute, cfg.Cache.GetTTLFor("duplicate-detection"))
	assert.Equal(t, time.Hour, cfg.Cache.GetTTLFor("repo-cleanup"))
	assert.Equal(t, time.Hour, cfg.Cache.GetTTLFor("bad"), "unparseable override falls back")
}
