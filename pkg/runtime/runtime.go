// Package runtime is the composition root. It assembles every collaborator
// exactly once from configuration so the stdio server, the CLI surfaces, and
// embedders all operate on the same gate, the same ledger, and the same
// stores. Construction is fail-fast: a backend named in configuration that
// cannot be reached is a startup error, not a silent downgrade.
package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/requiemhq/requiem/pkg/budget"
	"github.com/requiemhq/requiem/pkg/cas"
	"github.com/requiemhq/requiem/pkg/clock"
	"github.com/requiemhq/requiem/pkg/config"
	"github.com/requiemhq/requiem/pkg/decide"
	"github.com/requiemhq/requiem/pkg/divergence"
	"github.com/requiemhq/requiem/pkg/fault"
	"github.com/requiemhq/requiem/pkg/ledger"
	"github.com/requiemhq/requiem/pkg/limits"
	"github.com/requiemhq/requiem/pkg/llm"
	"github.com/requiemhq/requiem/pkg/metering"
	"github.com/requiemhq/requiem/pkg/observability"
	"github.com/requiemhq/requiem/pkg/policy"
	"github.com/requiemhq/requiem/pkg/ratelimit"
	"github.com/requiemhq/requiem/pkg/replay"
	"github.com/requiemhq/requiem/pkg/skill"
	"github.com/requiemhq/requiem/pkg/store"
	"github.com/requiemhq/requiem/pkg/tool"

	_ "github.com/lib/pq" // postgres driver
)

// Options override collaborators the environment would otherwise provide.
// Zero values wire the defaults from Config; tests inject a seeded clock and
// a stub provider here.
type Options struct {
	Clock    clock.Clock
	Logger   *slog.Logger
	Provider llm.Provider
}

// Runtime owns the wired core. Fields are exported for the CLI surfaces;
// mutating them after New returns is not supported.
type Runtime struct {
	Config *config.Config
	Clock  clock.Clock
	Logger *slog.Logger

	Tools     *tool.Registry
	Gate      *tool.Gate
	Budget    *budget.Accountant
	Ledger    ledger.Ledger
	Meter     metering.Recorder
	Policy    *policy.Snapshotter
	CAS       cas.Store
	Envelopes store.Envelopes
	Decisions store.Decisions
	Junctions store.Junctions

	Skills    *skill.Registry
	Runner    *skill.Runner
	Sentinel  *divergence.Sentinel
	Replay    *replay.Engine
	Evaluator *decide.Evaluator

	Rate       ratelimit.Store
	RatePolicy ratelimit.Policy

	Telemetry *observability.Provider

	assertions bool
	db         *sql.DB
	sqlite     *ledger.SQLiteLedger
}

// New builds the runtime from configuration. Every error carries the
// collaborator that failed so startup logs point at the misconfiguration.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Load()
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.System()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Runtime{
		Config:     cfg,
		Clock:      clk,
		Logger:     logger,
		assertions: cfg.Assertions,
	}

	// 1. Ledger. The backend decides durability; everything downstream
	// appends through the same interface.
	if err := r.initLedger(ctx, cfg, clk); err != nil {
		return nil, err
	}

	// 2. Metering. Shares the postgres handle when one is open.
	if r.db != nil {
		rec := metering.NewPostgresRecorder(r.db)
		if err := rec.Init(ctx); err != nil {
			return nil, fault.Wrap(fault.CodeInternal, "metering recorder init failed", err)
		}
		r.Meter = rec
	} else {
		r.Meter = metering.NewMemoryRecorder()
	}

	// 3. Budget accounting. Tier profiles map tenants to limits; the
	// enterprise flag lifts every limit.
	resolver := budget.ResolveByTier(func(string) budget.Tier { return budget.TierFree })
	if cfg.TierProfilePath != "" {
		profiles, err := config.LoadTierProfiles(cfg.TierProfilePath)
		if err != nil {
			return nil, fault.Wrap(fault.CodeInternal, "tier profiles failed to load", err)
		}
		resolver = profiles.Resolver()
	}
	r.Budget = budget.NewAccountant(resolver, clk).WithEnterpriseOverride(cfg.Enterprise)

	// 4. Policy snapshotter and content-addressed storage.
	if cfg.PolicyPath != "" {
		r.Policy = policy.NewSnapshotter(cfg.PolicyPath)
	} else {
		r.Policy = policy.NewSnapshotter()
	}
	casStore, err := cas.NewStoreFromEnv(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "content store init failed", err)
	}
	r.CAS = casStore

	// 5. Run state stores. Envelopes follow the ledger's durability;
	// decisions and junctions stay in process.
	if r.db != nil {
		pe := store.NewPostgresEnvelopes(r.db)
		if err := pe.Init(ctx); err != nil {
			return nil, fault.Wrap(fault.CodeInternal, "envelope store init failed", err)
		}
		r.Envelopes = pe
	} else {
		r.Envelopes = store.NewMemoryEnvelopes()
	}
	r.Decisions = store.NewMemoryDecisions()
	r.Junctions = store.NewMemoryJunctions()

	// 6. Telemetry. Disabled unless REQUIEM_METRICS is on; the provider is
	// a no-op in that case so every call site can stay unconditional.
	obsCfg := observability.DefaultConfig()
	obsCfg.Environment = cfg.Environment
	obsCfg.Enabled = cfg.MetricsEnabled
	if cfg.OTLPEndpoint != "" {
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	telemetry, err := observability.New(ctx, obsCfg)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "telemetry init failed", err)
	}
	r.Telemetry = telemetry

	// 7. The tool gate.
	r.Tools = tool.NewRegistry()
	gate, err := tool.NewGate(tool.GateConfig{
		Registry:  r.Tools,
		Budget:    r.Budget,
		Output:    limits.NewToolOutputLimiter(cfg.ToolOutputMaxBytes),
		Ledger:    r.Ledger,
		Meter:     r.Meter,
		Policy:    r.Policy,
		CAS:       r.CAS,
		Envelopes: r.Envelopes,
		Clock:     clk,
		Observer:  telemetry,
		Logger:    logger,
		MaxDepth:  cfg.MaxCallDepth,
	})
	if err != nil {
		return nil, err
	}
	r.Gate = gate

	// 8. Skills.
	provider := opts.Provider
	if provider == nil {
		provider = llm.NewProviderFromEnv()
	}
	r.Skills = skill.NewRegistry().WithLogger(logger)
	runner, err := skill.NewRunner(skill.RunnerConfig{
		Skills:   r.Skills,
		Gate:     gate,
		Provider: provider,
		Clock:    clk,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	r.Runner = runner

	// 9. Divergence sentinel and replay engine. Every recorded divergence
	// also feeds the telemetry counter.
	r.Sentinel = divergence.NewSentinel(clk).
		WithLogger(logger).
		WithObserver(func(ev divergence.Event) {
			telemetry.RecordDivergence(string(ev.Type), string(ev.Severity))
		})
	engine, err := replay.NewEngine(replay.EngineConfig{
		Gate:      gate,
		Envelopes: r.Envelopes,
		CAS:       r.CAS,
		Policy:    r.Policy,
		Sentinel:  r.Sentinel,
		Meter:     r.Meter,
		Clock:     clk,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	r.Replay = engine

	// 10. Decision evaluator.
	r.Evaluator = decide.NewEvaluator(clk)

	// 11. Admission control. Redis shares buckets across processes; the
	// in-memory store is per process.
	if cfg.RedisAddr != "" {
		r.Rate = ratelimit.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, clk)
	} else {
		r.Rate = ratelimit.NewMemoryStore(clk)
	}
	r.RatePolicy = ratelimit.DefaultPolicy
	if cfg.RateRPS > 0 {
		r.RatePolicy.RPS = cfg.RateRPS
	}
	if cfg.RateBurst > 0 {
		r.RatePolicy.Burst = cfg.RateBurst
	}

	return r, nil
}

func (r *Runtime) initLedger(ctx context.Context, cfg *config.Config, clk clock.Clock) error {
	switch cfg.LedgerBackend {
	case "", config.LedgerMemory:
		r.Ledger = ledger.NewMemoryLedger(clk)
	case config.LedgerSQLite:
		if dir := filepath.Dir(cfg.LedgerPath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fault.Wrap(fault.CodeInternal, "ledger directory could not be created", err)
			}
		}
		l, err := ledger.OpenSQLiteLedger(cfg.LedgerPath, clk)
		if err != nil {
			return err
		}
		r.sqlite = l
		r.Ledger = l
	case config.LedgerPostgres:
		if cfg.DatabaseURL == "" {
			return fault.Newf(fault.CodeInternal, "%s requires %s", config.EnvLedgerBackend, config.EnvDatabaseURL)
		}
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fault.Wrap(fault.CodeInternal, "postgres open failed", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return fault.Wrap(fault.CodeInternal, "postgres ping failed", err)
		}
		l := ledger.NewPostgresLedger(db, clk)
		if err := l.Init(ctx); err != nil {
			return err
		}
		r.db = db
		r.Ledger = l
	default:
		return fault.Newf(fault.CodeValidationFailed, "unknown ledger backend %q", cfg.LedgerBackend)
	}
	return nil
}

// CallTool runs one gated invocation under a trace span. With assertions on,
// the sealed envelope and the ledger chain are re-verified before the result
// is released; a verification failure converts a seemingly good result into
// an INVARIANT_VIOLATION.
func (r *Runtime) CallTool(ctx context.Context, req tool.Request) (*tool.Result, error) {
	ctx, span := r.Telemetry.StartSpan(ctx, "tool.call",
		trace.WithAttributes(attribute.String("tool.name", req.Name)))
	defer span.End()

	res, err := r.Gate.Call(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if r.assertions {
		if res.Envelope != nil {
			if verr := res.Envelope.Verify(); verr != nil {
				return nil, fault.Wrap(fault.CodeInvariantViolation, "envelope failed post-call verification", verr)
			}
		}
		if verr := r.Ledger.Verify(ctx); verr != nil {
			return nil, fault.Wrap(fault.CodeInvariantViolation, "ledger failed post-call verification", verr)
		}
	}
	return res, nil
}

// Shutdown releases database handles and flushes telemetry. Safe to call
// once after the last invocation.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var first error
	if r.Telemetry != nil {
		if err := r.Telemetry.Shutdown(ctx); err != nil {
			first = err
		}
	}
	if r.sqlite != nil {
		if err := r.sqlite.Close(); err != nil && first == nil {
			first = err
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil && first == nil {
			first = err
		}
	}
	if first != nil {
		return fmt.Errorf("runtime shutdown: %w", first)
	}
	return nil
}
