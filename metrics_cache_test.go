package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingFetcher struct {
	calls   atomic.Int32
	metrics UserMetrics
	err     error
}

func (f *countingFetcher) fetch(context.Context, string) (UserMetrics, error) {
	f.calls.Add(1)
	return f.metrics, f.err
}

func newTestCache(t *testing.T, clock *fakeClock, store cacheStorage) *MetricsCache {
	t.Helper()
	c, err := NewMetricsCache(store, 0, 0, nil)
	if err != nil {
		t.Fatalf("NewMetricsCache: %v", err)
	}
	c.now = clock.Now
	return c
}

func TestMetricsCache_StaleInsideFloorReturnsCached(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, clock, nil)
	c.entries["acme"] = CacheEntry{
		Subject:       "acme",
		Metrics:       UserMetrics{FollowersCount: 1200},
		HasValue:      true,
		FetchedAt:     clock.Now().Add(-7 * time.Hour),
		LastRequestAt: clock.Now().Add(-10 * time.Minute),
	}
	f := &countingFetcher{metrics: UserMetrics{FollowersCount: 9999}}

	got, err := c.GetOrRefresh(context.Background(), "@acme", f.fetch)
	if err != nil {
		t.Fatalf("GetOrRefresh: %v", err)
	}
	if got.FollowersCount != 1200 {
		t.Errorf("followers = %d, want stale 1200", got.FollowersCount)
	}
	if f.calls.Load() != 0 {
		t.Errorf("remote calls = %d, want 0", f.calls.Load())
	}
}

func TestMetricsCache_FreshEntryServed(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, clock, nil)
	c.entries["acme"] = CacheEntry{
		Subject:       "acme",
		Metrics:       UserMetrics{FollowersCount: 5},
		HasValue:      true,
		FetchedAt:     clock.Now().Add(-time.Hour),
		LastRequestAt: clock.Now().Add(-2 * time.Hour),
	}
	f := &countingFetcher{}

	if _, err := c.GetOrRefresh(context.Background(), "acme", f.fetch); err != nil {
		t.Fatalf("GetOrRefresh: %v", err)
	}
	if f.calls.Load() != 0 {
		t.Error("fresh entry triggered a remote call")
	}
}

func TestMetricsCache_MissAlwaysFetches(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, clock, nil)
	f := &countingFetcher{metrics: UserMetrics{FollowersCount: 77}}

	got, err := c.GetOrRefresh(context.Background(), "newcomer", f.fetch)
	if err != nil {
		t.Fatalf("GetOrRefresh: %v", err)
	}
	if got.FollowersCount != 77 || f.calls.Load() != 1 {
		t.Errorf("got %+v after %d calls", got, f.calls.Load())
	}
}

func TestMetricsCache_StalePastFloorRefreshesOnce(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, clock, nil)
	c.entries["acme"] = CacheEntry{
		Subject:       "acme",
		Metrics:       UserMetrics{FollowersCount: 1},
		HasValue:      true,
		FetchedAt:     clock.Now().Add(-7 * time.Hour),
		LastRequestAt: clock.Now().Add(-2 * time.Hour),
	}
	f := &countingFetcher{metrics: UserMetrics{FollowersCount: 2}}

	got, err := c.GetOrRefresh(context.Background(), "acme", f.fetch)
	if err != nil {
		t.Fatalf("GetOrRefresh: %v", err)
	}
	if got.FollowersCount != 2 || f.calls.Load() != 1 {
		t.Fatalf("got %+v after %d calls", got, f.calls.Load())
	}

	entry := c.entries["acme"]
	if !entry.FetchedAt.Equal(clock.Now()) || !entry.LastRequestAt.Equal(clock.Now()) {
		t.Errorf("timestamps not updated: %+v", entry)
	}
}

func TestMetricsCache_FailureFallsBackToCached(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, clock, nil)
	c.entries["acme"] = CacheEntry{
		Subject:       "acme",
		Metrics:       UserMetrics{FollowersCount: 10},
		HasValue:      true,
		FetchedAt:     clock.Now().Add(-8 * time.Hour),
		LastRequestAt: clock.Now().Add(-8 * time.Hour),
	}
	f := &countingFetcher{err: &RateLimitError{RetryAfter: time.Minute}}

	got, err := c.GetOrRefresh(context.Background(), "acme", f.fetch)
	if err != nil {
		t.Fatalf("GetOrRefresh: %v", err)
	}
	if got.FollowersCount != 10 {
		t.Errorf("followers = %d, want fallback 10", got.FollowersCount)
	}

	// the failed attempt still counts against the floor
	clock.Advance(time.Minute)
	if _, err := c.GetOrRefresh(context.Background(), "acme", f.fetch); err != nil {
		t.Fatalf("second GetOrRefresh: %v", err)
	}
	if f.calls.Load() != 1 {
		t.Errorf("remote calls = %d, want 1", f.calls.Load())
	}
}

func TestMetricsCache_FailureWithoutValuePropagates(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, clock, nil)
	f := &countingFetcher{err: ErrNotFound}

	if _, err := c.GetOrRefresh(context.Background(), "ghost", f.fetch); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	// inside the floor with nothing cached
	clock.Advance(10 * time.Minute)
	if _, err := c.GetOrRefresh(context.Background(), "ghost", f.fetch); !errors.Is(err, ErrNoDataAvailable) {
		t.Fatalf("err = %v, want ErrNoDataAvailable", err)
	}
	if f.calls.Load() != 1 {
		t.Errorf("remote calls = %d, want 1", f.calls.Load())
	}

	clock.Advance(time.Hour)
	f.err = nil
	f.metrics = UserMetrics{FollowersCount: 3}
	if got, err := c.GetOrRefresh(context.Background(), "ghost", f.fetch); err != nil || got.FollowersCount != 3 {
		t.Errorf("after floor: %+v, %v", got, err)
	}
}

func TestMetricsCache_LocalFailureDoesNotStartFloor(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"local admission denial", &RateLimitError{Action: ActionUserLookup, Scope: ScopeApp, RetryAfter: 5 * time.Second, Local: true}},
		{"missing credential", fmt.Errorf("%w: no stored credential", ErrCredentialUnavailable)},
		{"cancelled", context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			c := newTestCache(t, clock, nil)
			f := &countingFetcher{err: tt.err}

			_, err := c.GetOrRefresh(context.Background(), "acme", f.fetch)
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
			if _, ok := c.entries["acme"]; ok {
				t.Errorf("placeholder entry kept: %+v", c.entries["acme"])
			}

			clock.Advance(10 * time.Second)
			f.err = nil
			f.metrics = UserMetrics{FollowersCount: 8}
			got, err := c.GetOrRefresh(context.Background(), "acme", f.fetch)
			if err != nil || got.FollowersCount != 8 {
				t.Fatalf("second lookup = %+v, %v", got, err)
			}
			if f.calls.Load() != 2 {
				t.Errorf("fetches = %d, want 2", f.calls.Load())
			}
		})
	}
}

func TestMetricsCache_LocalFailureRestoresPreviousRequestTime(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, clock, nil)
	lastRequest := clock.Now().Add(-2 * time.Hour)
	c.entries["acme"] = CacheEntry{
		Subject:       "acme",
		Metrics:       UserMetrics{FollowersCount: 10},
		HasValue:      true,
		FetchedAt:     clock.Now().Add(-7 * time.Hour),
		LastRequestAt: lastRequest,
	}
	f := &countingFetcher{err: &RateLimitError{RetryAfter: 5 * time.Second, Local: true}}

	got, err := c.GetOrRefresh(context.Background(), "acme", f.fetch)
	if err != nil || got.FollowersCount != 10 {
		t.Fatalf("GetOrRefresh = %+v, %v; want cached fallback", got, err)
	}
	if !c.entries["acme"].LastRequestAt.Equal(lastRequest) {
		t.Errorf("LastRequestAt = %v, want %v", c.entries["acme"].LastRequestAt, lastRequest)
	}
}

func TestMetricsCache_ConcurrentMissFetchesOnce(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, clock, nil)

	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(context.Context, string) (UserMetrics, error) {
		calls.Add(1)
		<-release
		return UserMetrics{FollowersCount: 1}, nil
	}

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetOrRefresh(context.Background(), "busy", fetch)
			results <- err
		}()
	}

	// let the losers hit the floor before the winner finishes
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()
	close(results)

	if got := calls.Load(); got != 1 {
		t.Errorf("remote calls = %d, want 1", got)
	}
	for err := range results {
		if err != nil && !errors.Is(err, ErrNoDataAvailable) {
			t.Errorf("unexpected error: %v", err)
		}
	}
}

func TestMetricsCache_PersistsAcrossRestart(t *testing.T) {
	db, err := openSQLite(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("openSQLite: %v", err)
	}
	defer db.Close()
	store := NewMetricsCacheStore(NewKVStore(db))

	clock := newFakeClock()
	first := newTestCache(t, clock, store)
	f := &countingFetcher{metrics: UserMetrics{FollowersCount: 4242, FollowingCount: 7}}
	if _, err := first.GetOrRefresh(context.Background(), "acme", f.fetch); err != nil {
		t.Fatalf("GetOrRefresh: %v", err)
	}

	clock.Advance(30 * time.Minute)
	second := newTestCache(t, clock, store)
	got, err := second.GetOrRefresh(context.Background(), "acme", f.fetch)
	if err != nil {
		t.Fatalf("GetOrRefresh after restart: %v", err)
	}
	if got.FollowersCount != 4242 || got.FollowingCount != 7 {
		t.Errorf("metrics = %+v", got)
	}
	if f.calls.Load() != 1 {
		t.Errorf("remote calls = %d, want 1", f.calls.Load())
	}
}
