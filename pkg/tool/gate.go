package tool

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/requiemhq/requiem/pkg/budget"
	"github.com/requiemhq/requiem/pkg/canonical"
	"github.com/requiemhq/requiem/pkg/cas"
	"github.com/requiemhq/requiem/pkg/clock"
	"github.com/requiemhq/requiem/pkg/envelope"
	"github.com/requiemhq/requiem/pkg/fault"
	"github.com/requiemhq/requiem/pkg/ledger"
	"github.com/requiemhq/requiem/pkg/limits"
	"github.com/requiemhq/requiem/pkg/metering"
	"github.com/requiemhq/requiem/pkg/policy"
	"github.com/requiemhq/requiem/pkg/store"
	"github.com/requiemhq/requiem/pkg/tenant"
)

// DefaultMaxDepth bounds call recursion through skills and nested tools.
const DefaultMaxDepth = 10

// Observer receives one callback per gate invocation, for metrics.
type Observer interface {
	RecordInvocation(toolName string, durationMs int64, err error)
}

// Request is one gate invocation. Version empty resolves the latest semver.
// TimeoutMs bounds handler execution measured against the gate's clock; zero
// means no timeout.
type Request struct {
	Name       string
	Version    string
	Input      map[string]any
	Invocation *tenant.Context
	TimeoutMs  int64
}

// Result is what a successful invocation returns to the caller.
type Result struct {
	Result        any    `json:"result"`
	Hash          string `json:"hash"`
	DurationMs    int64  `json:"duration_ms"`
	FromCache     bool   `json:"from_cache"`
	Deterministic bool   `json:"deterministic"`

	Envelope *envelope.Envelope `json:"-"`
}

// GateConfig wires the gate's collaborators. Nil collaborators fall back to
// in-memory implementations so every invocation still walks the full
// pipeline.
type GateConfig struct {
	Registry  *Registry
	Budget    *budget.Accountant
	Output    *limits.Limiter
	Ledger    ledger.Ledger
	Meter     metering.Recorder
	Policy    *policy.Snapshotter
	CAS       cas.Store
	Envelopes store.Envelopes
	Clock     clock.Clock
	Observer  Observer
	Logger    *slog.Logger
	MaxDepth  int
}

// Gate is the invocation pipeline in front of every tool handler.
type Gate struct {
	registry  *Registry
	budget    *budget.Accountant
	output    *limits.Limiter
	ledger    ledger.Ledger
	meter     metering.Recorder
	policy    *policy.Snapshotter
	cas       cas.Store
	envelopes store.Envelopes
	clock     clock.Clock
	observer  Observer
	logger    *slog.Logger
	maxDepth  int
}

// NewGate builds a gate over the registry, defaulting any missing
// collaborator.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Registry == nil {
		return nil, fault.New(fault.CodeInternal, "gate requires a tool registry")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System()
	}
	g := &Gate{
		registry:  cfg.Registry,
		budget:    cfg.Budget,
		output:    cfg.Output,
		ledger:    cfg.Ledger,
		meter:     cfg.Meter,
		policy:    cfg.Policy,
		cas:       cfg.CAS,
		envelopes: cfg.Envelopes,
		clock:     clk,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
		maxDepth:  cfg.MaxDepth,
	}
	if g.budget == nil {
		g.budget = budget.NewAccountant(budget.FixedLimit(budget.Limit{MaxCostUnits: -1}), clk)
	}
	if g.output == nil {
		g.output = limits.NewToolOutputLimiter(0)
	}
	if g.ledger == nil {
		g.ledger = ledger.NewMemoryLedger(clk)
	}
	if g.meter == nil {
		g.meter = metering.NewMemoryRecorder()
	}
	if g.policy == nil {
		g.policy = policy.NewSnapshotter()
	}
	if g.cas == nil {
		g.cas = cas.NewMemoryStore()
	}
	if g.envelopes == nil {
		g.envelopes = store.NewMemoryEnvelopes()
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.maxDepth <= 0 {
		g.maxDepth = DefaultMaxDepth
	}
	return g, nil
}

// Registry exposes the gate's catalog for listing.
func (g *Gate) Registry() *Registry {
	return g.registry
}

// BudgetState reports the invoking tenant's consistent budget view.
func (g *Gate) BudgetState(tenantID string) budget.State {
	return g.budget.StateOf(tenantID)
}

// Call runs the full invocation pipeline: lookup, recursion bound, tenant
// scope, RBAC, budget reservation, input validation, handler execution,
// output size bound, output validation, budget reconciliation, and
// persistence. The ordering is fixed; each failure mode carries its own
// fault code.
func (g *Gate) Call(ctx context.Context, req Request) (res *Result, err error) {
	start := g.clock.Now()
	if g.observer != nil {
		defer func() {
			var d int64
			if res != nil {
				d = res.DurationMs
			}
			g.observer.RecordInvocation(req.Name, d, err)
		}()
	}

	inv := req.Invocation
	if inv == nil {
		return nil, fault.New(fault.CodeUnauthorized, "invocation context is required")
	}
	if req.Input == nil {
		req.Input = map[string]any{}
	}

	// 1. lookup
	entry, err := g.registry.lookup(req.Name, req.Version)
	if err != nil {
		return nil, err
	}
	def := entry.def

	// 2. recursion bound
	if inv.Depth > g.maxDepth {
		return nil, fault.Newf(fault.CodeInvariantViolation,
			"call depth %d exceeds maximum %d", inv.Depth, g.maxDepth)
	}

	// 3. tenant scope
	if def.TenantScoped && inv.TenantID == "" {
		return nil, fault.Newf(fault.CodeUnauthorized, "tool %s requires a tenant", def.Ref())
	}

	// 4. RBAC
	if def.SideEffect && !inv.Role.AtLeast(tenant.RoleMember) {
		return nil, fault.Newf(fault.CodeForbidden,
			"tool %s requires at least the member role", def.Ref())
	}

	// 5. budget reservation (pre-debit the estimate)
	estimate := def.Cost.Units
	reserved := false
	if def.TenantScoped && estimate > 0 {
		if err := g.budget.Reserve(inv.TenantID, estimate); err != nil {
			return nil, err
		}
		reserved = true
	}

	// 6. input validation
	inputBytes, err := canonical.Canonicalize(req.Input)
	if err != nil {
		g.release(reserved, inv.TenantID, estimate)
		return nil, fault.Wrap(fault.CodeValidationFailed, "canonicalize input", err)
	}
	if entry.input != nil {
		if err := validateJSON(entry.input, inputBytes); err != nil {
			g.release(reserved, inv.TenantID, estimate)
			return nil, fault.Wrap(fault.CodeValidationFailed,
				"tool "+def.Ref()+": input rejected", err)
		}
	}

	// 7. handler execution
	raw, execErr := g.execute(ctx, entry.handler, inv, req.Input, req.TimeoutMs)
	if execErr != nil {
		if ctx.Err() != nil {
			// cancelled mid-run: the reservation is reconciled to zero
			g.release(reserved, inv.TenantID, estimate)
		}
		return nil, fault.FromUnknown(execErr).WithPhase("execute")
	}

	actual := estimate
	var resourceUnits int64
	if m, ok := raw.(Metered); ok {
		raw = m.Value
		if m.Usage != nil {
			actual = m.Usage.CostUnits
			resourceUnits = m.Usage.ResourceUnits
		}
	}

	// 8. output size bound
	output, truncated, err := g.output.Enforce(raw)
	if err != nil {
		return nil, err
	}

	// 9. output validation
	outputBytes, err := canonical.Canonicalize(output)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "canonicalize output", err)
	}
	if entry.output != nil {
		if err := validateJSON(entry.output, outputBytes); err != nil {
			return nil, fault.Wrap(fault.CodeInternal,
				"tool "+def.Ref()+": output violates declared schema", err).
				WithSeverity(fault.SeverityCritical)
		}
	}

	// 10. budget reconciliation
	if reserved {
		g.budget.Reconcile(inv.TenantID, estimate, actual)
	}

	// 11. persist envelope, ledger entry, economic event
	durationMs := g.clock.NowMillis() - start.UnixMilli()
	if durationMs < 0 {
		durationMs = 0
	}
	env, err := g.persist(ctx, def, inv, inputBytes, outputBytes, durationMs, resourceUnits)
	if err != nil {
		return nil, err
	}

	g.logger.Info("tool invoked",
		"tool", def.Name,
		"version", def.Version,
		"tenant", inv.TenantID,
		"request_id", inv.RequestID,
		"duration_ms", durationMs,
		"truncated", truncated,
	)

	return &Result{
		Result:        output,
		Hash:          env.Hash,
		DurationMs:    durationMs,
		FromCache:     false,
		Deterministic: def.Deterministic,
		Envelope:      env,
	}, nil
}

// release reconciles an early-failed reservation back to zero.
func (g *Gate) release(reserved bool, tenantID string, estimate int64) {
	if reserved {
		g.budget.Reconcile(tenantID, estimate, 0)
	}
}

// execute runs the handler, bounding it by TimeoutMs measured against the
// gate's clock. A frozen clock never expires; a seeded clock expires
// deterministically.
func (g *Gate) execute(ctx context.Context, h Handler, inv *tenant.Context, input map[string]any, timeoutMs int64) (any, error) {
	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{nil, fault.Newf(fault.CodeInternal, "tool handler panic: %v", r)}
			}
		}()
		value, err := h(ctx, inv, input)
		done <- outcome{value, err}
	}()

	if timeoutMs <= 0 {
		select {
		case out := <-done:
			return out.value, out.err
		case <-ctx.Done():
			return nil, fault.Wrap(fault.CodeTimeout, "invocation cancelled", ctx.Err())
		}
	}

	deadline := g.clock.NowMillis() + timeoutMs
	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()
	for {
		select {
		case out := <-done:
			if g.clock.NowMillis() > deadline {
				return nil, fault.Newf(fault.CodeTimeout, "tool timed out after %dms", timeoutMs)
			}
			return out.value, out.err
		case <-timer.C:
			if g.clock.NowMillis() > deadline {
				return nil, fault.Newf(fault.CodeTimeout, "tool timed out after %dms", timeoutMs)
			}
			// wall time passed but the active clock has not; keep waiting
			timer.Reset(time.Duration(timeoutMs) * time.Millisecond)
		case <-ctx.Done():
			return nil, fault.Wrap(fault.CodeTimeout, "invocation cancelled", ctx.Err())
		}
	}
}

// persist runs step 11: CAS blobs, sealed envelope, ledger entry, economic
// event.
func (g *Gate) persist(ctx context.Context, def Definition, inv *tenant.Context,
	inputBytes, outputBytes []byte, durationMs, resourceUnits int64) (*envelope.Envelope, error) {

	inputFP := canonical.HashBytes(inputBytes)
	outputDigest := canonical.HashBytes(outputBytes)

	policyHash, err := g.policy.Capture()
	if err != nil {
		return nil, err
	}

	if _, err := g.cas.Put(ctx, inputBytes); err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "store input blob", err)
	}
	if _, err := g.cas.Put(ctx, outputBytes); err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "store output blob", err)
	}

	env, err := envelope.New(g.clock, envelope.Params{
		TenantID:           inv.TenantID,
		RequestID:          inv.RequestID,
		ToolName:           def.Name,
		ToolVersion:        def.Version,
		InputFingerprint:   inputFP,
		OutputDigest:       outputDigest,
		PolicySnapshotHash: policyHash,
		Deterministic:      def.Deterministic,
		FromCache:          false,
		DurationMs:         durationMs,
	})
	if err != nil {
		return nil, err
	}
	if err := g.envelopes.Save(ctx, env); err != nil {
		return nil, err
	}

	_, err = g.ledger.Append(ctx, inv.TenantID, "tool_invoked", "tool "+def.Ref()+" invoked", map[string]any{
		"tool":              def.Name,
		"version":           def.Version,
		"request_id":        inv.RequestID,
		"input_fingerprint": inputFP,
		"output_digest":     outputDigest,
		"duration_ms":       durationMs,
	})
	if err != nil {
		return nil, err
	}

	event := metering.NewExecutionEvent(g.clock, inv.TenantID, inv.RequestID, durationMs, resourceUnits)
	if err := g.meter.Record(ctx, event); err != nil {
		return nil, err
	}

	return env, nil
}

// validateJSON runs a compiled schema against canonical bytes.
func validateJSON(schema interface{ Validate(any) error }, data []byte) error {
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	return schema.Validate(decoded)
}
