package main

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	postWindow       = 24 * time.Hour
	readWindow       = 15 * time.Minute
	userLookupWindow = 24 * time.Hour
)

// defaultBudgets are the platform's published quotas for app-only and
// user-delegated calls.
func defaultBudgets() []ActionBudget {
	return []ActionBudget{
		{Action: ActionPost, Scope: ScopeApp, Limit: 1667, Window: postWindow},
		{Action: ActionRead, Scope: ScopeApp, Limit: 15, Window: readWindow},
		{Action: ActionSearch, Scope: ScopeApp, Limit: 60, Window: readWindow},
		{Action: ActionUserLookup, Scope: ScopeApp, Limit: 500, Window: userLookupWindow},

		{Action: ActionPost, Scope: ScopeUser, Limit: 100, Window: postWindow},
		{Action: ActionRead, Scope: ScopeUser, Limit: 15, Window: readWindow},
		{Action: ActionSearch, Scope: ScopeUser, Limit: 60, Window: readWindow},
		{Action: ActionUserLookup, Scope: ScopeUser, Limit: 100, Window: userLookupWindow},
	}
}

// Decision is the result of one admission check. RetryAfter is advisory and
// only set when the call was not admitted.
type Decision struct {
	Admitted   bool
	RetryAfter time.Duration
}

// WaitSeconds truncates RetryAfter to whole seconds.
func (d Decision) WaitSeconds() int {
	return int(d.RetryAfter / time.Second)
}

// Admitter decides whether a classified call may proceed now.
type Admitter interface {
	Check(ctx context.Context, action ActionClass, scope Scope) (Decision, error)
}

type budgetKey struct {
	action ActionClass
	scope  Scope
}

// LedgerUsage is a point-in-time view of one ledger.
type LedgerUsage struct {
	Action ActionClass   `json:"action"`
	Scope  Scope         `json:"scope"`
	Used   int           `json:"used"`
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window_ns"`
	Oldest time.Time     `json:"oldest,omitempty"`
}

// AdmissionController keeps an in-process sliding log of admitted calls per
// (action, scope) pair. Ledgers are pruned lazily on each check.
type AdmissionController struct {
	mu      sync.Mutex
	budgets map[budgetKey]ActionBudget
	ledgers map[budgetKey][]time.Time
	now     func() time.Time
}

func NewAdmissionController(budgets []ActionBudget) *AdmissionController {
	if len(budgets) == 0 {
		budgets = defaultBudgets()
	}
	c := &AdmissionController{
		budgets: make(map[budgetKey]ActionBudget, len(budgets)),
		ledgers: make(map[budgetKey][]time.Time, len(budgets)),
		now:     time.Now,
	}
	for _, b := range budgets {
		c.budgets[budgetKey{b.Action, b.Scope}] = b
	}
	return c
}

// Check never blocks. Unknown action classes are always admitted and not
// recorded. A denied attempt is not recorded either.
func (c *AdmissionController) Check(_ context.Context, action ActionClass, scope Scope) (Decision, error) {
	key := budgetKey{action, scope}

	c.mu.Lock()
	defer c.mu.Unlock()

	budget, ok := c.budgets[key]
	if !ok {
		logWarn("admission.unknown_action", "action", action, "scope", scope)
		return Decision{Admitted: true}, nil
	}

	now := c.now()
	ledger := pruneLedger(c.ledgers[key], now, budget.Window)

	if len(ledger) >= budget.Limit {
		c.ledgers[key] = ledger
		wait := time.Duration(0)
		if len(ledger) > 0 {
			wait = ledger[0].Add(budget.Window).Sub(now)
		}
		if wait < 0 {
			wait = 0
		}
		wait = wait.Truncate(time.Second)
		logWarn(
			"admission.denied",
			"action", action,
			"scope", scope,
			"limit", budget.Limit,
			"window", budget.Window,
			"wait_seconds", int(wait/time.Second),
		)
		return Decision{Admitted: false, RetryAfter: wait}, nil
	}

	c.ledgers[key] = append(ledger, now)
	return Decision{Admitted: true}, nil
}

func (c *AdmissionController) Budget(action ActionClass, scope Scope) (ActionBudget, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.budgets[budgetKey{action, scope}]
	return b, ok
}

// Usage returns a pruned snapshot of every configured ledger, ordered by
// scope then action.
func (c *AdmissionController) Usage() []LedgerUsage {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	usage := make([]LedgerUsage, 0, len(c.budgets))
	for key, budget := range c.budgets {
		ledger := pruneLedger(c.ledgers[key], now, budget.Window)
		c.ledgers[key] = ledger
		u := LedgerUsage{
			Action: budget.Action,
			Scope:  budget.Scope,
			Used:   len(ledger),
			Limit:  budget.Limit,
			Window: budget.Window,
		}
		if len(ledger) > 0 {
			u.Oldest = ledger[0]
		}
		usage = append(usage, u)
	}

	sort.Slice(usage, func(i, j int) bool {
		if usage[i].Scope != usage[j].Scope {
			return usage[i].Scope < usage[j].Scope
		}
		return usage[i].Action < usage[j].Action
	})
	return usage
}

// pruneLedger drops entries at least window old. Entries are in insertion
// order, which is also time order.
func pruneLedger(ledger []time.Time, now time.Time, window time.Duration) []time.Time {
	cut := 0
	for cut < len(ledger) && now.Sub(ledger[cut]) >= window {
		cut++
	}
	if cut == 0 {
		return ledger
	}
	kept := make([]time.Time, len(ledger)-cut)
	copy(kept, ledger[cut:])
	return kept
}
