package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultMetricsStaleAfter         = 6 * time.Hour
	defaultMetricsMinRequestInterval = time.Hour
)

// Cache lookup outcomes, as reported to telemetry and logs.
const (
	cacheOutcomeFresh     = "fresh"
	cacheOutcomeThrottled = "throttled"
	cacheOutcomeRefreshed = "refreshed"
	cacheOutcomeFallback  = "fallback"
	cacheOutcomeMiss      = "miss"
)

// CacheEntry is the last known metrics payload for one subject. FetchedAt
// drives staleness; LastRequestAt drives refresh eligibility.
type CacheEntry struct {
	Subject       string      `json:"subject"`
	Metrics       UserMetrics `json:"metrics"`
	HasValue      bool        `json:"has_value"`
	FetchedAt     time.Time   `json:"fetched_at"`
	LastRequestAt time.Time   `json:"last_request_at"`
}

type cacheStorage interface {
	LoadEntries() (map[string]CacheEntry, error)
	SaveEntries(map[string]CacheEntry) error
}

type metricsFetcher func(ctx context.Context, subject string) (UserMetrics, error)

// MetricsCache serves user metrics behind two gates: a staleness window and
// a stricter minimum interval between refresh attempts.
type MetricsCache struct {
	store       cacheStorage
	telemetry   Telemetry
	staleAfter  time.Duration
	minInterval time.Duration
	now         func() time.Time

	mu      sync.Mutex
	entries map[string]CacheEntry
}

func NewMetricsCache(store cacheStorage, staleAfter, minInterval time.Duration, telemetry Telemetry) (*MetricsCache, error) {
	if staleAfter <= 0 {
		staleAfter = defaultMetricsStaleAfter
	}
	if minInterval <= 0 {
		minInterval = defaultMetricsMinRequestInterval
	}
	if telemetry == nil {
		telemetry = NoOpTelemetry{}
	}

	entries := map[string]CacheEntry{}
	if store != nil {
		loaded, err := store.LoadEntries()
		if err != nil {
			return nil, fmt.Errorf("load metrics cache: %w", err)
		}
		entries = loaded
	}

	return &MetricsCache{
		store:       store,
		telemetry:   telemetry,
		staleAfter:  staleAfter,
		minInterval: minInterval,
		now:         time.Now,
		entries:     entries,
	}, nil
}

// GetOrRefresh returns cached metrics for subject, refreshing them through
// fetch only when the entry is stale and a refresh is currently eligible.
// A previously cached value is preferred over any error.
func (c *MetricsCache) GetOrRefresh(ctx context.Context, subject string, fetch metricsFetcher) (UserMetrics, error) {
	subject = normalizeUsername(subject)
	if subject == "" {
		return UserMetrics{}, badRequest("missing subject", nil)
	}

	previous, existed, reservedAt, eligible, outcome := c.reserve(subject)
	switch outcome {
	case cacheOutcomeFresh:
		c.record(ctx, subject, outcome)
		return previous.Metrics, nil
	case cacheOutcomeThrottled:
		c.record(ctx, subject, outcome)
		if previous.HasValue {
			return previous.Metrics, nil
		}
		return UserMetrics{}, fmt.Errorf("%w: refresh of %s not eligible until %s", ErrNoDataAvailable, subject, eligible.Format(time.RFC3339))
	}

	metrics, err := fetch(ctx, subject)
	if err != nil {
		if !reachedRemote(ctx, err) {
			c.release(subject, previous, existed, reservedAt)
		}
		if previous.HasValue {
			logWarn("metrics_cache.refresh_failed", "subject", subject, "fallback", true, "error", err)
			c.record(ctx, subject, cacheOutcomeFallback)
			return previous.Metrics, nil
		}
		logWarn("metrics_cache.refresh_failed", "subject", subject, "fallback", false, "error", err)
		c.record(ctx, subject, cacheOutcomeMiss)
		return UserMetrics{}, err
	}

	c.commit(subject, metrics)
	c.record(ctx, subject, cacheOutcomeRefreshed)
	return metrics, nil
}

// reserve decides under the lock whether a refresh may run. When it may,
// LastRequestAt is stamped before the lock is released so concurrent callers
// see the floor and do not fetch the same subject.
func (c *MetricsCache) reserve(subject string) (previous CacheEntry, existed bool, reservedAt, eligible time.Time, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, ok := c.entries[subject]
	if ok && entry.HasValue && now.Sub(entry.FetchedAt) < c.staleAfter {
		return entry, true, time.Time{}, time.Time{}, cacheOutcomeFresh
	}
	if ok && !entry.LastRequestAt.IsZero() && now.Sub(entry.LastRequestAt) < c.minInterval {
		return entry, true, time.Time{}, entry.LastRequestAt.Add(c.minInterval), cacheOutcomeThrottled
	}

	reserved := entry
	reserved.Subject = subject
	reserved.LastRequestAt = now
	c.entries[subject] = reserved
	return entry, ok, now, time.Time{}, ""
}

// release undoes a reservation whose fetch never reached the platform, so the
// floor only counts real attempts.
func (c *MetricsCache) release(subject string, previous CacheEntry, existed bool, reservedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.entries[subject]
	if !ok || !current.LastRequestAt.Equal(reservedAt) {
		return
	}
	if !existed {
		delete(c.entries, subject)
		return
	}
	current.LastRequestAt = previous.LastRequestAt
	c.entries[subject] = current
}

// reachedRemote is false for failures decided before any upstream request:
// local admission denials, a missing credential and cancellation.
func reachedRemote(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrCredentialUnavailable) {
		return false
	}
	if limited, ok := asRateLimit(err); ok && limited.Local {
		return false
	}
	return true
}

func (c *MetricsCache) commit(subject string, metrics UserMetrics) {
	c.mu.Lock()
	now := c.now()
	c.entries[subject] = CacheEntry{
		Subject:       subject,
		Metrics:       metrics,
		HasValue:      true,
		FetchedAt:     now,
		LastRequestAt: now,
	}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	if c.store == nil {
		return
	}
	if err := c.store.SaveEntries(snapshot); err != nil {
		logError("metrics_cache.persist_failed", "subject", subject, "error", err)
	}
}

func (c *MetricsCache) snapshotLocked() map[string]CacheEntry {
	out := make(map[string]CacheEntry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// Entries lists cached subjects in name order.
func (c *MetricsCache) Entries() []CacheEntry {
	c.mu.Lock()
	out := make([]CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].Subject, out[j].Subject) < 0
	})
	return out
}

func (c *MetricsCache) record(ctx context.Context, subject, outcome string) {
	logDebug("metrics_cache.lookup", "subject", subject, "outcome", outcome)
	c.telemetry.RecordCacheLookup(ctx, outcome)
}
