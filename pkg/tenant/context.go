// Package tenant resolves and carries the identity every invocation runs
// under. Resolution is strictly server-side: request bodies are never
// consulted for tenant identity.
package tenant

import (
	"github.com/google/uuid"

	"github.com/requiemhq/requiem/pkg/clock"
)

// Role is the caller's position in the fixed hierarchy
// viewer < member < admin < owner.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

var roleRank = map[Role]int{
	RoleViewer: 0,
	RoleMember: 1,
	RoleAdmin:  2,
	RoleOwner:  3,
}

// Valid reports whether the role is one of the four known roles.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r satisfies the required role. Unknown roles
// satisfy nothing.
func (r Role) AtLeast(required Role) bool {
	actual, ok := roleRank[r]
	if !ok {
		return false
	}
	need, ok := roleRank[required]
	if !ok {
		return false
	}
	return actual >= need
}

// HasRequiredRole is the function form of Role.AtLeast.
func HasRequiredRole(actual, required Role) bool {
	return actual.AtLeast(required)
}

// Source records how a context was derived.
type Source string

const (
	SourceJWT            Source = "jwt"
	SourceSession        Source = "session"
	SourceAPIKey         Source = "api_key"
	SourceServiceAccount Source = "service_account"
)

// Environment selects runtime behavior profiles.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Context is the immutable per-call packet threaded through the pipeline.
// It is never mutated after creation; child steps receive a copy with the
// depth incremented.
type Context struct {
	TenantID      string      `json:"tenant_id"`
	UserID        string      `json:"user_id"`
	Role          Role        `json:"role"`
	RequestID     string      `json:"request_id"`
	TraceID       string      `json:"trace_id"`
	CorrelationID string      `json:"correlation_id"`
	Depth         int         `json:"depth"`
	DerivedAt     string      `json:"derived_at"`
	DerivedFrom   Source      `json:"derived_from"`
	Environment   Environment `json:"environment"`
}

// NewContext builds a root context (depth 0) with fresh request and trace
// ids, stamped from the given clock.
func NewContext(clk clock.Clock, tenantID, userID string, role Role, from Source, env Environment) *Context {
	return &Context{
		TenantID:      tenantID,
		UserID:        userID,
		Role:          role,
		RequestID:     uuid.New().String(),
		TraceID:       uuid.New().String(),
		CorrelationID: uuid.New().String(),
		Depth:         0,
		DerivedAt:     clk.NowISO(),
		DerivedFrom:   from,
		Environment:   env,
	}
}

// Child returns a copy with depth incremented. Everything else carries over
// so the whole call tree shares one identity and trace.
func (c *Context) Child() *Context {
	child := *c
	child.Depth++
	return &child
}
