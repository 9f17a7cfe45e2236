package budget

// Tier identifies a pricing tier. Budget limits are a tenant attribute
// resolved per call, never a mutable process default.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Limit bounds a tenant's spend inside a rolling window.
// MaxCostUnits -1 means unlimited.
type Limit struct {
	MaxCostUnits  int64 `json:"max_cost_units" yaml:"max_cost_units"`
	WindowSeconds int64 `json:"window_seconds" yaml:"window_seconds"`
}

// Unlimited reports whether the limit never denies.
func (l Limit) Unlimited() bool { return l.MaxCostUnits < 0 }

// DefaultWindowSeconds is the window applied when a profile names none.
const DefaultWindowSeconds = 3600

var tierLimits = map[Tier]Limit{
	TierFree:       {MaxCostUnits: 100, WindowSeconds: DefaultWindowSeconds},
	TierPro:        {MaxCostUnits: 10_000, WindowSeconds: DefaultWindowSeconds},
	TierEnterprise: {MaxCostUnits: -1, WindowSeconds: DefaultWindowSeconds},
}

// LimitFor returns the built-in limit for a tier. Unknown tiers get the
// free limit (fail closed to the cheapest).
func LimitFor(tier Tier) Limit {
	if l, ok := tierLimits[tier]; ok {
		return l
	}
	return tierLimits[TierFree]
}

// LimitResolver looks up the active limit for a tenant.
type LimitResolver func(tenantID string) Limit

// ResolveByTier adapts a tenant → tier lookup into a LimitResolver.
func ResolveByTier(tiers func(tenantID string) Tier) LimitResolver {
	return func(tenantID string) Limit {
		return LimitFor(tiers(tenantID))
	}
}

// FixedLimit resolves every tenant to the same limit.
func FixedLimit(l Limit) LimitResolver {
	return func(string) Limit { return l }
}
