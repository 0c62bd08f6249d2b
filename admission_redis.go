package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//go:embed admission_ledger.lua
var admissionLedgerScript string

// RedisAdmission shares ledgers between processes. The prune, count and
// append run in one Lua script so check-then-act stays atomic across nodes.
type RedisAdmission struct {
	client    *redis.Client
	script    *redis.Script
	budgets   map[budgetKey]ActionBudget
	keyPrefix string
	now       func() time.Time
}

func NewRedisAdmission(ctx context.Context, client *redis.Client, budgets []ActionBudget) (*RedisAdmission, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	script := redis.NewScript(admissionLedgerScript)
	if err := script.Load(pingCtx, client).Err(); err != nil {
		return nil, fmt.Errorf("load admission script: %w", err)
	}

	if len(budgets) == 0 {
		budgets = defaultBudgets()
	}
	r := &RedisAdmission{
		client:    client,
		script:    script,
		budgets:   make(map[budgetKey]ActionBudget, len(budgets)),
		keyPrefix: "xbridge:ledger:",
		now:       time.Now,
	}
	for _, b := range budgets {
		r.budgets[budgetKey{b.Action, b.Scope}] = b
	}
	return r, nil
}

func (r *RedisAdmission) Check(ctx context.Context, action ActionClass, scope Scope) (Decision, error) {
	budget, ok := r.budgets[budgetKey{action, scope}]
	if !ok {
		logWarn("admission.unknown_action", "action", action, "scope", scope, "backend", "redis")
		return Decision{Admitted: true}, nil
	}

	key := r.keyPrefix + string(scope) + ":" + string(action)
	now := r.now().UnixMilli()

	result, err := r.script.Run(ctx, r.client, []string{key},
		now,
		budget.Window.Milliseconds(),
		budget.Limit,
		fmt.Sprintf("%d-%s", now, uuid.NewString()),
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("admission script: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return Decision{}, errors.New("invalid admission script response")
	}
	admitted, _ := values[0].(int64)
	waitMillis, _ := values[1].(int64)

	if admitted == 1 {
		return Decision{Admitted: true}, nil
	}

	wait := (time.Duration(waitMillis) * time.Millisecond).Truncate(time.Second)
	if wait < 0 {
		wait = 0
	}
	logWarn(
		"admission.denied",
		"action", action,
		"scope", scope,
		"limit", budget.Limit,
		"window", budget.Window,
		"wait_seconds", int(wait/time.Second),
		"backend", "redis",
	)
	return Decision{Admitted: false, RetryAfter: wait}, nil
}
