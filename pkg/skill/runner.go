package skill

import (
	"context"
	"errors"
	"log/slog"

	"github.com/requiemhq/requiem/pkg/clock"
	"github.com/requiemhq/requiem/pkg/fault"
	"github.com/requiemhq/requiem/pkg/llm"
	"github.com/requiemhq/requiem/pkg/tenant"
	"github.com/requiemhq/requiem/pkg/tool"
)

// StepResult is the per-step record included in a run result.
type StepResult struct {
	Output    any    `json:"output"`
	LatencyMs int64  `json:"latencyMs"`
	IsSuccess bool   `json:"isSuccess"`
	Error     string `json:"error,omitempty"`
}

// RunResult is the outcome of one skill run. On failure it is still
// returned alongside the error so callers can surface per-step traces.
type RunResult struct {
	Output    any          `json:"output"`
	Steps     []StepResult `json:"steps"`
	LatencyMs int64        `json:"latencyMs"`
	IsSuccess bool         `json:"isSuccess"`
}

// RunnerConfig wires the runner's collaborators.
type RunnerConfig struct {
	Skills   *Registry
	Gate     *tool.Gate
	Provider llm.Provider
	Asserter *CELAsserter
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Runner executes skills step by step over the tool gate.
type Runner struct {
	skills   *Registry
	gate     *tool.Gate
	provider llm.Provider
	asserter *CELAsserter
	clock    clock.Clock
	logger   *slog.Logger
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Skills == nil {
		return nil, fault.New(fault.CodeInternal, "runner requires a skill registry")
	}
	if cfg.Gate == nil {
		return nil, fault.New(fault.CodeInternal, "runner requires a tool gate")
	}
	r := &Runner{
		skills:   cfg.Skills,
		gate:     cfg.Gate,
		provider: cfg.Provider,
		asserter: cfg.Asserter,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
	if r.provider == nil {
		r.provider = llm.Unconfigured{}
	}
	if r.asserter == nil {
		asserter, err := NewCELAsserter()
		if err != nil {
			return nil, err
		}
		r.asserter = asserter
	}
	if r.clock == nil {
		r.clock = clock.System()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r, nil
}

// Run executes name@version with arg as the initial bag entry. Steps run
// strictly sequentially; the bag is never shared across runs. On any step
// failure after a committed tool step, the definition's rollback runs
// exactly once with completed steps most-recent-first.
func (r *Runner) Run(ctx context.Context, inv *tenant.Context, name, version string, arg map[string]any) (*RunResult, error) {
	runStart := r.clock.NowMillis()

	def, err := r.skills.Resolve(name, version)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, fault.New(fault.CodeUnauthorized, "invocation context is required")
	}
	if arg == nil {
		arg = map[string]any{}
	}

	if def.Precondition != nil && !def.Precondition(ctx, arg) {
		return nil, fault.New(fault.CodeSkillStepFailed, "Skill precondition failed")
	}

	bag := map[string]any{"initial": arg}
	res := &RunResult{}
	var (
		last          any
		completed     []CompletedStep
		toolCommitted bool
	)

	finish := func(failure error) (*RunResult, error) {
		res.LatencyMs = r.elapsed(runStart)
		if failure == nil {
			res.Output = last
			res.IsSuccess = true
			r.logger.Info("skill completed",
				"skill", def.Ref(),
				"tenant", inv.TenantID,
				"steps", len(res.Steps),
				"latency_ms", res.LatencyMs,
			)
			return res, nil
		}
		r.rollback(ctx, def, completed, toolCommitted)
		res.IsSuccess = false
		r.logger.Warn("skill failed",
			"skill", def.Ref(),
			"tenant", inv.TenantID,
			"steps", len(res.Steps),
			"error", failure,
		)
		return res, failure
	}

	for i, step := range def.Steps {
		stepStart := r.clock.NowMillis()
		output, stepErr := r.runStep(ctx, inv, step, bag, last)
		latency := r.clock.NowMillis() - stepStart
		if latency < 0 {
			latency = 0
		}

		if stepErr != nil {
			res.Steps = append(res.Steps, StepResult{
				LatencyMs: latency,
				IsSuccess: false,
				Error:     stepErr.Error(),
			})
			return finish(fault.FromUnknown(stepErr))
		}

		res.Steps = append(res.Steps, StepResult{
			Output:    output,
			LatencyMs: latency,
			IsSuccess: true,
		})
		last = output
		completed = append(completed, CompletedStep{Index: i, Step: step, Output: output})

		if step.Kind == StepTool {
			key := step.OutputKey
			if key == "" {
				key = step.ToolName
			}
			bag[key] = output
			toolCommitted = true
		}
	}

	if def.Postcondition != nil && !def.Postcondition(ctx, last) {
		return finish(fault.New(fault.CodeSkillStepFailed, "Skill postcondition failed"))
	}
	return finish(nil)
}

func (r *Runner) elapsed(since int64) int64 {
	d := r.clock.NowMillis() - since
	if d < 0 {
		return 0
	}
	return d
}

func (r *Runner) runStep(ctx context.Context, inv *tenant.Context, step Step, bag map[string]any, last any) (any, error) {
	switch step.Kind {
	case StepTool:
		input, _ := ResolveTemplates(step.Input, bag).(map[string]any)
		result, err := r.gate.Call(ctx, tool.Request{
			Name:       step.ToolName,
			Input:      input,
			Invocation: inv.Child(),
		})
		if err != nil {
			return nil, err
		}
		return result.Result, nil

	case StepLlm:
		prompt := resolveString(step.Prompt, bag)
		text, err := r.provider.GenerateText(ctx, llm.Request{
			Prompt:   prompt,
			Model:    step.Model,
			Sampling: llm.DeterministicSampling(0),
		})
		if fault.IsCode(err, fault.CodeProviderUnconfigured) {
			// degrade to a deterministic stub so unconfigured environments
			// still produce reproducible runs
			message := "llm provider not configured"
			var env *fault.Envelope
			if errors.As(err, &env) {
				message = env.Message
			}
			return map[string]any{"type": "stub", "message": message, "prompt": prompt}, nil
		}
		if err != nil {
			return nil, err
		}
		return text, nil

	case StepAssert:
		ok, err := r.evalAssert(step, bag, last)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fault.Newf(fault.CodeSkillStepFailed,
				"assertion failed: %s", step.Description)
		}
		return true, nil

	default:
		return nil, fault.Newf(fault.CodeValidationFailed, "unknown step kind %q", step.Kind)
	}
}

func (r *Runner) evalAssert(step Step, bag map[string]any, last any) (bool, error) {
	if step.Predicate != nil {
		return step.Predicate(bag, last)
	}
	if step.Expression != "" {
		return r.asserter.Assert(step.Expression, bag, last)
	}
	return false, fault.New(fault.CodeValidationFailed,
		"assert step carries neither predicate nor expression")
}

// rollback runs the definition's hook at most once, most-recent-first.
// Failures and panics are logged and swallowed; the original step error is
// what the caller sees.
func (r *Runner) rollback(ctx context.Context, def Definition, completed []CompletedStep, toolCommitted bool) {
	if def.Rollback == nil || !toolCommitted || len(completed) == 0 {
		return
	}
	reversed := make([]CompletedStep, 0, len(completed))
	for i := len(completed) - 1; i >= 0; i-- {
		reversed = append(reversed, completed[i])
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("skill rollback panicked", "skill", def.Ref(), "panic", p)
		}
	}()
	if err := def.Rollback(ctx, reversed); err != nil {
		r.logger.Error("skill rollback failed", "skill", def.Ref(), "error", err)
	}
}
