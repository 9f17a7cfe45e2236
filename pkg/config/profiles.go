package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/requiemhq/requiem/pkg/budget"
)

// TenantProfile assigns one tenant either a named tier or an explicit
// limit. An explicit limit wins over the tier.
type TenantProfile struct {
	Tier  string        `yaml:"tier,omitempty"`
	Limit *budget.Limit `yaml:"limit,omitempty"`
}

// TierProfiles maps tenant ids to budget tiers. Unlisted tenants get
// DefaultTier; an empty DefaultTier means free.
type TierProfiles struct {
	DefaultTier string                   `yaml:"default_tier,omitempty"`
	Tenants     map[string]TenantProfile `yaml:"tenants,omitempty"`
}

// LoadTierProfiles parses a profile file.
func LoadTierProfiles(path string) (*TierProfiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tier profiles %q: %w", path, err)
	}
	return ParseTierProfiles(data)
}

// ParseTierProfiles parses YAML profile bytes.
func ParseTierProfiles(data []byte) (*TierProfiles, error) {
	var p TierProfiles
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse tier profiles: %w", err)
	}
	return &p, nil
}

// TierOf returns the tier a tenant resolves to.
func (p *TierProfiles) TierOf(tenantID string) budget.Tier {
	if t, ok := p.Tenants[tenantID]; ok && t.Tier != "" {
		return budget.Tier(t.Tier)
	}
	if p.DefaultTier != "" {
		return budget.Tier(p.DefaultTier)
	}
	return budget.TierFree
}

// Resolver adapts the profiles into the accountant's limit lookup. Explicit
// limits pass through with the default window filled in; everything else
// resolves by tier.
func (p *TierProfiles) Resolver() budget.LimitResolver {
	return func(tenantID string) budget.Limit {
		if t, ok := p.Tenants[tenantID]; ok && t.Limit != nil {
			l := *t.Limit
			if l.WindowSeconds == 0 {
				l.WindowSeconds = budget.DefaultWindowSeconds
			}
			return l
		}
		return budget.LimitFor(p.TierOf(tenantID))
	}
}
