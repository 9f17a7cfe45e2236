// Package tool holds the tool registry and the invocation gate, the
// mandatory entry point for every side-effecting or tenant-scoped call.
package tool

import (
	"context"
	"encoding/json"

	"github.com/Masterminds/semver/v3"

	"github.com/requiemhq/requiem/pkg/canonical"
	"github.com/requiemhq/requiem/pkg/fault"
	"github.com/requiemhq/requiem/pkg/tenant"
)

// MinDigestLen is the drift guard: registration refuses definitions whose
// digest is shorter than this.
const MinDigestLen = 32

// LatencyClass is the coarse latency expectation of a tool.
type LatencyClass string

const (
	LatencyLow    LatencyClass = "low"
	LatencyMedium LatencyClass = "medium"
	LatencyHigh   LatencyClass = "high"
)

// Cost is the declared cost of one invocation, in budget cost units.
// Reservation triggers only when Units > 0 on a tenant-scoped tool.
type Cost struct {
	Units   int64        `json:"units"`
	Latency LatencyClass `json:"latency,omitempty"`
}

// Definition is a registry entry. Schemas are raw JSON Schema documents and
// are compiled once at registration.
type Definition struct {
	Name                 string          `json:"name"`
	Version              string          `json:"version"`
	Description          string          `json:"description,omitempty"`
	InputSchema          json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema         json.RawMessage `json:"outputSchema,omitempty"`
	Deterministic        bool            `json:"deterministic"`
	SideEffect           bool            `json:"sideEffect"`
	Idempotent           bool            `json:"idempotent"`
	TenantScoped         bool            `json:"tenantScoped"`
	RequiredCapabilities []string        `json:"requiredCapabilities,omitempty"`
	Digest               string          `json:"digest,omitempty"`
	Cost                 Cost            `json:"cost"`
}

// Ref is the canonical name@version form.
func (d Definition) Ref() string {
	return d.Name + "@" + d.Version
}

// Fingerprint hashes the identity of the definition: name, version, and the
// declared schemas. Callers set Digest from this before registering.
func (d Definition) Fingerprint() (string, error) {
	identity := struct {
		Name         string          `json:"name"`
		Version      string          `json:"version"`
		InputSchema  json.RawMessage `json:"inputSchema"`
		OutputSchema json.RawMessage `json:"outputSchema"`
	}{d.Name, d.Version, d.InputSchema, d.OutputSchema}

	h, err := canonical.Hash(identity)
	if err != nil {
		return "", fault.Wrap(fault.CodeInternal, "fingerprint tool definition", err)
	}
	return h, nil
}

// Validate checks the structural requirements of a definition.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fault.New(fault.CodeInternal, "tool definition requires a name").
			WithSeverity(fault.SeverityWarning)
	}
	if _, err := semver.NewVersion(d.Version); err != nil {
		return fault.Newf(fault.CodeInternal, "tool %s: invalid version %q", d.Name, d.Version).
			WithSeverity(fault.SeverityWarning)
	}
	if len(d.Digest) < MinDigestLen {
		return fault.Newf(fault.CodeInternal, "tool %s: digest missing or too short", d.Ref()).
			WithSeverity(fault.SeverityWarning)
	}
	return nil
}

// Handler executes one validated invocation. The input has already passed
// the declared input schema; the invocation context is read-only.
type Handler func(ctx context.Context, inv *tenant.Context, input map[string]any) (any, error)

// Usage reports what an invocation actually consumed. Handlers that know
// their real cost return it wrapped in Metered.
type Usage struct {
	CostUnits     int64 `json:"cost_units"`
	ResourceUnits int64 `json:"resource_units"`
}

// Metered wraps a handler result with measured usage. The gate unwraps it,
// reconciles the budget against Usage.CostUnits, and persists Value.
type Metered struct {
	Value any
	Usage *Usage
}
