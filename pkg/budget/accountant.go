// Package budget reserves and reconciles per-tenant cost units inside a
// rolling window. All mutation happens under the tenant's own mutex, so
// calls within one tenant are serialized and tenants never contend.
package budget

import (
	"log/slog"
	"sync"

	"github.com/requiemhq/requiem/pkg/clock"
	"github.com/requiemhq/requiem/pkg/fault"
)

// State is a consistent observation of one tenant's budget.
type State struct {
	TenantID      string `json:"tenant_id"`
	UsedCostUnits int64  `json:"used_cost_units"`
	WindowStart   int64  `json:"window_start"`
	Limit         Limit  `json:"limit"`
}

// Remaining returns the units left in the window, or -1 when unlimited.
func (s State) Remaining() int64 {
	if s.Limit.Unlimited() {
		return -1
	}
	r := s.Limit.MaxCostUnits - s.UsedCostUnits
	if r < 0 {
		return 0
	}
	return r
}

// Accountant owns all tenant budget state for the process.
type Accountant struct {
	mu      sync.Mutex
	tenants map[string]*account

	limits     LimitResolver
	clock      clock.Clock
	enterprise bool
}

type account struct {
	mu          sync.Mutex
	used        int64
	windowStart int64
}

// NewAccountant builds an accountant over the given limit resolver.
func NewAccountant(limits LimitResolver, clk clock.Clock) *Accountant {
	if limits == nil {
		limits = ResolveByTier(func(string) Tier { return TierFree })
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Accountant{tenants: map[string]*account{}, limits: limits, clock: clk}
}

// WithEnterpriseOverride lifts every limit to unlimited when on. Driven by
// REQUIEM_ENTERPRISE.
func (a *Accountant) WithEnterpriseOverride(on bool) *Accountant {
	a.enterprise = on
	return a
}

func (a *Accountant) limitOf(tenantID string) Limit {
	l := a.limits(tenantID)
	if a.enterprise {
		l.MaxCostUnits = -1
	}
	if l.WindowSeconds <= 0 {
		l.WindowSeconds = DefaultWindowSeconds
	}
	return l
}

func (a *Accountant) get(tenantID string) *account {
	a.mu.Lock()
	defer a.mu.Unlock()
	acct, ok := a.tenants[tenantID]
	if !ok {
		acct = &account{windowStart: a.clock.NowMillis()}
		a.tenants[tenantID] = acct
	}
	return acct
}

// resetIfExpired must run under acct.mu.
func (a *Accountant) resetIfExpired(acct *account, l Limit) {
	now := a.clock.NowMillis()
	if now-acct.windowStart >= l.WindowSeconds*1000 {
		acct.used = 0
		acct.windowStart = now
	}
}

// Reserve pre-debits estimate against the tenant's window. It refuses with
// BUDGET_EXCEEDED when the reservation would push usage above the limit.
// The tenant's mutex is held only for the check and debit, never across a
// handler call.
func (a *Accountant) Reserve(tenantID string, estimate int64) error {
	if estimate <= 0 {
		return nil
	}
	acct := a.get(tenantID)
	l := a.limitOf(tenantID)

	acct.mu.Lock()
	defer acct.mu.Unlock()

	a.resetIfExpired(acct, l)
	if !l.Unlimited() && acct.used+estimate > l.MaxCostUnits {
		remaining := l.MaxCostUnits - acct.used
		if remaining < 0 {
			remaining = 0
		}
		slog.Warn("budget reservation refused",
			"tenant", tenantID, "estimate", estimate, "remaining", remaining)
		return fault.Newf(fault.CodeBudgetExceeded,
			"estimated cost %d exceeds remaining budget %d", estimate, remaining).
			WithMeta("used_cost_units", acct.used).
			WithMeta("max_cost_units", l.MaxCostUnits).
			WithMeta("remaining", remaining)
	}
	acct.used += estimate
	return nil
}

// Reconcile adjusts the pre-debit to the actual cost: used += actual -
// estimate, clamped at zero.
func (a *Accountant) Reconcile(tenantID string, estimate, actual int64) {
	acct := a.get(tenantID)

	acct.mu.Lock()
	defer acct.mu.Unlock()

	acct.used += actual - estimate
	if acct.used < 0 {
		acct.used = 0
	}
}

// StateOf observes a tenant's budget under the same mutex reservations use,
// so (used, limit, remaining) is consistent.
func (a *Accountant) StateOf(tenantID string) State {
	acct := a.get(tenantID)
	l := a.limitOf(tenantID)

	acct.mu.Lock()
	defer acct.mu.Unlock()

	a.resetIfExpired(acct, l)
	return State{
		TenantID:      tenantID,
		UsedCostUnits: acct.used,
		WindowStart:   acct.windowStart,
		Limit:         l,
	}
}
