package main

import (
	"context"
	"time"
)

const (
	refresherMinSleep   = 60 * time.Second
	refresherMaxSleep   = 3600 * time.Second
	refresherRetryDelay = 60 * time.Second
)

// RunRefresher keeps the credential above the lifetime floor until ctx is
// done. Failures are logged and retried after a short fixed delay; they never
// end the loop.
func (m *TokenManager) RunRefresher(ctx context.Context) error {
	logInfo("token.refresher.start", "min_lifetime", m.minLifetime)
	for {
		delay := m.refreshTick(ctx)
		logDebug("token.refresher.sleep", "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			logInfo("token.refresher.stop", "reason", ctx.Err())
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// refreshTick runs one renewal check and returns how long to sleep next.
func (m *TokenManager) refreshTick(ctx context.Context) time.Duration {
	cred, err := m.ensureValid(ctx, refreshSourceBackground)
	if err != nil {
		logWarn("token.refresher.tick_failed", "error", err, "retry_in", refresherRetryDelay)
		return refresherRetryDelay
	}
	return nextRefreshDelay(cred.remaining(m.now()), m.minLifetime)
}

// nextRefreshDelay wakes just before the credential drops under the floor,
// capped at refresherMaxSleep and never sooner than refresherMinSleep.
func nextRefreshDelay(remaining, floor time.Duration) time.Duration {
	sleep := remaining - floor
	if sleep > refresherMaxSleep {
		sleep = refresherMaxSleep
	}
	if sleep < refresherMinSleep {
		sleep = refresherMinSleep
	}
	return sleep
}
