package main

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	defaultRetryMaxAttempts  = 3
	defaultRetryInitialDelay = 60 * time.Second
	maxRetryBackoff          = 24 * time.Hour
)

// Operation names used for classification and logging.
const (
	opCreatePost      = "create_post"
	opGetPost         = "get_post"
	opGetPosts        = "get_posts"
	opSearchPosts     = "search_posts"
	opGetUser         = "get_user"
	opGetUserByID     = "get_user_by_id"
	opGetUserMetrics  = "get_user_metrics"
	opFollow          = "follow"
	opUnfollow        = "unfollow"
	opLike            = "like"
	opUnlike          = "unlike"
	opRepost          = "repost"
	opUnrepost        = "unrepost"
	opGetHomeTimeline = "get_home_timeline"
	opGetMentions     = "get_mentions"
)

// classifyOperation maps an operation name onto the budget it consumes.
// Unclassified operations report false and are never rate-limited locally.
func classifyOperation(name string) (ActionClass, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch {
	case strings.HasPrefix(n, "create_") || strings.HasPrefix(n, "post_"):
		return ActionPost, true
	case strings.Contains(n, "search"):
		return ActionSearch, true
	case n == opGetPost || n == opGetPosts:
		return ActionRead, true
	case strings.HasPrefix(n, "get_user"):
		return ActionUserLookup, true
	}
	return "", false
}

type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
}

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: defaultRetryMaxAttempts, InitialDelay: defaultRetryInitialDelay}
}

// RetryCoordinator runs a remote call behind the admission gate and retries
// throttling and server errors with exponential backoff.
type RetryCoordinator struct {
	admission Admitter
	policy    RetryPolicy
	telemetry Telemetry
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	onLimited func(*RateLimitError)
}

func NewRetryCoordinator(admission Admitter, policy RetryPolicy, telemetry Telemetry) *RetryCoordinator {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = defaultRetryMaxAttempts
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = defaultRetryInitialDelay
	}
	if telemetry == nil {
		telemetry = NoOpTelemetry{}
	}
	return &RetryCoordinator{
		admission: admission,
		policy:    policy,
		telemetry: telemetry,
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// Do invokes call until it succeeds, fails with a non-retryable error, or the
// attempt bound is reached. Every attempt passes the admission gate first
// because every attempt spends remote quota.
func (c *RetryCoordinator) Do(ctx context.Context, operation string, scope Scope, call func(context.Context) error) error {
	action, classified := classifyOperation(operation)

	for attempt := 1; ; attempt++ {
		if classified {
			decision, err := c.admission.Check(ctx, action, scope)
			if err != nil {
				return err
			}
			c.telemetry.RecordAdmission(ctx, action, scope, decision.Admitted)
			if !decision.Admitted {
				limited := &RateLimitError{
					Operation:  operation,
					Action:     action,
					Scope:      scope,
					RetryAfter: decision.RetryAfter,
					Local:      true,
				}
				logWarn(
					"retry.local_limit",
					"operation", operation,
					"action", action,
					"scope", scope,
					"wait_seconds", limited.WaitSeconds(),
				)
				c.notifyLimited(limited)
				return limited
			}
		}

		err := call(ctx)
		if err == nil {
			c.telemetry.RecordRemoteCall(ctx, operation, "ok")
			return nil
		}

		var remote *RemoteError
		if !errors.As(err, &remote) || !remote.Retryable() {
			c.telemetry.RecordRemoteCall(ctx, operation, "error")
			return err
		}
		c.telemetry.RecordRemoteCall(ctx, operation, "retryable")

		retryAfter := backoffDelay(remote.ResetAt, c.now(), c.policy.InitialDelay, attempt)
		if attempt >= c.policy.MaxAttempts {
			limited := &RateLimitError{
				Operation:  operation,
				Action:     action,
				Scope:      scope,
				RetryAfter: retryAfter,
				Err:        err,
			}
			logWarn(
				"retry.exhausted",
				"operation", operation,
				"attempts", attempt,
				"status_code", remote.StatusCode,
				"retry_after", retryAfter,
			)
			c.notifyLimited(limited)
			return limited
		}

		logWarn(
			"retry.backoff",
			"operation", operation,
			"attempt", attempt,
			"max_attempts", c.policy.MaxAttempts,
			"status_code", remote.StatusCode,
			"retry_after", retryAfter,
		)
		c.telemetry.RecordRetry(ctx, operation, attempt)
		if err := c.sleep(ctx, retryAfter); err != nil {
			return err
		}
	}
}

func (c *RetryCoordinator) notifyLimited(err *RateLimitError) {
	if c.onLimited != nil {
		c.onLimited(err)
	}
}

// callRemote is Do for calls that return a value.
func callRemote[T any](ctx context.Context, c *RetryCoordinator, operation string, scope Scope, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := c.Do(ctx, operation, scope, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// backoffDelay is max(reset hint - now, initial * 2^(attempt-1)). The hint is
// compared in whole seconds, the way the platform reports it. The doubling
// stops at maxRetryBackoff.
func backoffDelay(resetAt, now time.Time, initial time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	fallback := initial
	for i := 1; i < attempt && fallback < maxRetryBackoff; i++ {
		fallback *= 2
	}
	if fallback > maxRetryBackoff || fallback <= 0 {
		fallback = maxRetryBackoff
	}
	if resetAt.IsZero() {
		return fallback
	}
	hint := time.Duration(resetAt.Unix()-now.Unix()) * time.Second
	if hint > fallback {
		return hint
	}
	return fallback
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
