package tenant

import (
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/requiemhq/requiem/pkg/clock"
	"github.com/requiemhq/requiem/pkg/fault"
)

// Environment variables consulted by the CLI resolution path.
const (
	EnvTenantID = "REQUIEM_TENANT_ID"
	EnvAPIKey   = "REQUIEM_API_KEY"
)

// Resolver derives a verified invocation context from a transport.
type Resolver interface {
	// FromRequest inspects the Authorization header: either a Bearer JWT
	// or a raw API key.
	FromRequest(r *http.Request) (*Context, error)
	// FromCLI reads REQUIEM_TENANT_ID and REQUIEM_API_KEY and binds the
	// key to the declared tenant.
	FromCLI() (*Context, error)
}

// Claims are the JWT claims the resolver expects.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}

// APIKeyRecord is what a key store returns for a known key.
type APIKeyRecord struct {
	TenantID string
	UserID   string
	Role     Role
}

// APIKeyStore resolves raw API keys. Lookups for unknown keys return an
// error.
type APIKeyStore interface {
	Lookup(key string) (*APIKeyRecord, error)
}

// Membership ties a user to a tenant and may expire.
type Membership struct {
	TenantID  string
	UserID    string
	Role      Role
	Active    bool
	ExpiresAt *time.Time
}

// MembershipStore checks tenant membership. A nil store skips the check.
type MembershipStore interface {
	Get(tenantID, userID string) (*Membership, error)
}

// ResolverConfig wires a CredentialResolver.
type ResolverConfig struct {
	// KeyFunc verifies JWT signatures. Nil disables the JWT path.
	KeyFunc jwt.Keyfunc
	// APIKeys resolves raw API keys. Nil disables the API-key path.
	APIKeys APIKeyStore
	// Memberships, when set, gates every resolution on an active,
	// unexpired membership.
	Memberships MembershipStore
	Clock       clock.Clock
	Environment Environment
	// LookupEnv defaults to os.Getenv.
	LookupEnv func(string) string
}

// CredentialResolver is the standard Resolver over JWTs, API keys, and the
// CLI environment. All paths fail closed.
type CredentialResolver struct {
	keyFunc     jwt.Keyfunc
	apiKeys     APIKeyStore
	memberships MembershipStore
	clock       clock.Clock
	environment Environment
	lookupEnv   func(string) string
}

// NewResolver builds a CredentialResolver, defaulting the clock to the
// system clock and env lookup to os.Getenv.
func NewResolver(cfg ResolverConfig) *CredentialResolver {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.LookupEnv == nil {
		cfg.LookupEnv = os.Getenv
	}
	if cfg.Environment == "" {
		cfg.Environment = EnvDevelopment
	}
	return &CredentialResolver{
		keyFunc:     cfg.KeyFunc,
		apiKeys:     cfg.APIKeys,
		memberships: cfg.Memberships,
		clock:       cfg.Clock,
		environment: cfg.Environment,
		lookupEnv:   cfg.LookupEnv,
	}
}

// FromRequest resolves the Authorization header. `Bearer <jwt>` goes through
// signature verification; anything else is treated as a raw API key.
// Failure messages never include the user id.
func (r *CredentialResolver) FromRequest(req *http.Request) (*Context, error) {
	header := req.Header.Get("Authorization")
	if header == "" {
		return nil, fault.New(fault.CodeUnauthorized, "missing authorization header")
	}

	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return r.fromJWT(strings.TrimSpace(token))
	}
	return r.fromAPIKey(strings.TrimSpace(header), SourceAPIKey)
}

// FromCLI resolves the environment pair. The declared tenant id is
// authoritative; a configured key store must agree with it.
func (r *CredentialResolver) FromCLI() (*Context, error) {
	tenantID := r.lookupEnv(EnvTenantID)
	if tenantID == "" {
		return nil, fault.Newf(fault.CodeUnauthorized, "%s not set", EnvTenantID)
	}
	apiKey := r.lookupEnv(EnvAPIKey)
	if apiKey == "" {
		return nil, fault.Newf(fault.CodeUnauthorized, "%s not set", EnvAPIKey)
	}

	if r.apiKeys != nil {
		ctx, err := r.fromAPIKey(apiKey, SourceAPIKey)
		if err != nil {
			return nil, err
		}
		if ctx.TenantID != tenantID {
			slog.Warn("cli key bound to different tenant", "declared", tenantID)
			return nil, fault.New(fault.CodeTenantAccessDenied, "api key is not bound to the declared tenant")
		}
		return ctx, nil
	}

	// No key store: the local operator pair is taken at face value.
	return r.finish(tenantID, "cli", RoleOwner, SourceAPIKey)
}

func (r *CredentialResolver) fromJWT(token string) (*Context, error) {
	if r.keyFunc == nil {
		return nil, fault.New(fault.CodeUnauthorized, "jwt verification not configured")
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, r.keyFunc,
		jwt.WithTimeFunc(r.clock.Now))
	if err != nil {
		slog.Warn("jwt rejected", "reason", "parse or signature failure")
		return nil, fault.Wrap(fault.CodeUnauthorized, "invalid or expired token", err)
	}
	if !parsed.Valid {
		return nil, fault.New(fault.CodeUnauthorized, "invalid token")
	}
	if claims.Subject == "" {
		return nil, fault.New(fault.CodeUnauthorized, "token subject is required")
	}
	if claims.TenantID == "" {
		return nil, fault.New(fault.CodeUnauthorized, "token tenant binding is required")
	}
	role := Role(claims.Role)
	if !role.Valid() {
		return nil, fault.New(fault.CodeUnauthorized, "token carries an unrecognized role")
	}
	return r.finish(claims.TenantID, claims.Subject, role, SourceJWT)
}

func (r *CredentialResolver) fromAPIKey(key string, from Source) (*Context, error) {
	if r.apiKeys == nil {
		return nil, fault.New(fault.CodeUnauthorized, "api key authentication not configured")
	}
	rec, err := r.apiKeys.Lookup(key)
	if err != nil {
		slog.Warn("api key rejected", "reason", "unknown key")
		return nil, fault.Wrap(fault.CodeUnauthorized, "unknown api key", err)
	}
	if !rec.Role.Valid() {
		return nil, fault.New(fault.CodeUnauthorized, "api key carries an unrecognized role")
	}
	return r.finish(rec.TenantID, rec.UserID, rec.Role, from)
}

// finish applies the membership gate and mints the context.
func (r *CredentialResolver) finish(tenantID, userID string, role Role, from Source) (*Context, error) {
	if r.memberships != nil {
		m, err := r.memberships.Get(tenantID, userID)
		if err != nil || m == nil {
			slog.Warn("membership lookup failed", "tenant", tenantID)
			return nil, fault.New(fault.CodeMembershipRequired, "no membership for tenant")
		}
		if !m.Active {
			return nil, fault.New(fault.CodeMembershipRequired, "membership is inactive")
		}
		if m.ExpiresAt != nil && !r.clock.Now().Before(*m.ExpiresAt) {
			return nil, fault.New(fault.CodeMembershipRequired, "membership has expired")
		}
	}
	return NewContext(r.clock, tenantID, userID, role, from, r.environment), nil
}

// StaticKeyStore is an in-memory APIKeyStore for configuration-driven and
// test setups.
type StaticKeyStore struct {
	records map[string]APIKeyRecord
}

// NewStaticKeyStore copies the given key → record map.
func NewStaticKeyStore(records map[string]APIKeyRecord) *StaticKeyStore {
	out := make(map[string]APIKeyRecord, len(records))
	for k, v := range records {
		out[k] = v
	}
	return &StaticKeyStore{records: out}
}

// Lookup implements APIKeyStore.
func (s *StaticKeyStore) Lookup(key string) (*APIKeyRecord, error) {
	rec, ok := s.records[key]
	if !ok {
		return nil, fault.New(fault.CodeUnauthorized, "unknown api key")
	}
	return &rec, nil
}
