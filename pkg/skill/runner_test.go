package skill

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/requiemhq/requiem/pkg/clock"
	"github.com/requiemhq/requiem/pkg/fault"
	"github.com/requiemhq/requiem/pkg/llm"
	"github.com/requiemhq/requiem/pkg/tenant"
	"github.com/requiemhq/requiem/pkg/tool"
)

type runnerFixture struct {
	runner *Runner
	skills *Registry
	tools  *tool.Registry
	clock  clock.Clock
}

func newRunnerFixture(t *testing.T, provider llm.Provider) *runnerFixture {
	t.Helper()
	clk := clock.Seeded(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), 0)
	tools := tool.NewRegistry()
	gate, err := tool.NewGate(tool.GateConfig{Registry: tools, Clock: clk})
	require.NoError(t, err)

	skills := NewRegistry()
	runner, err := NewRunner(RunnerConfig{
		Skills:   skills,
		Gate:     gate,
		Provider: provider,
		Clock:    clk,
	})
	require.NoError(t, err)
	return &runnerFixture{runner: runner, skills: skills, tools: tools, clock: clk}
}

func (f *runnerFixture) registerTool(t *testing.T, name string, handler tool.Handler) {
	t.Helper()
	def := tool.Definition{Name: name, Version: "1.0.0", Deterministic: true}
	fp, err := def.Fingerprint()
	require.NoError(t, err)
	def.Digest = fp
	require.NoError(t, f.tools.Register(def, handler))
}

func (f *runnerFixture) invocation() *tenant.Context {
	return tenant.NewContext(f.clock, "tenant-1", "user-1", tenant.RoleMember, tenant.SourceAPIKey, tenant.EnvDevelopment)
}

func echoTool(_ context.Context, _ *tenant.Context, input map[string]any) (any, error) {
	return map[string]any{"written": input["path"]}, nil
}

func TestRunHappyPathThreadsBag(t *testing.T) {
	f := newRunnerFixture(t, nil)
	f.registerTool(t, "write_file", echoTool)

	require.NoError(t, f.skills.Register(Definition{
		Name:    "publish",
		Version: "1.0.0",
		Steps: []Step{
			ToolStep("write_file", map[string]any{"path": "{{initial.path}}"}, "file"),
			LlmStep("summarize {{file.written}}", ""),
			AssertExpr("file written", `bag.file.written == "/tmp/x"`),
		},
	}))

	res, err := f.runner.Run(context.Background(), f.invocation(), "publish", "", map[string]any{"path": "/tmp/x"})
	require.NoError(t, err)

	assert.True(t, res.IsSuccess)
	require.Len(t, res.Steps, 3)
	for _, step := range res.Steps {
		assert.True(t, step.IsSuccess)
		assert.GreaterOrEqual(t, step.LatencyMs, int64(0))
	}

	assert.Equal(t, map[string]any{"written": "/tmp/x"}, res.Steps[0].Output)

	// the provider is unconfigured, so the llm step degraded to a stub with
	// the templates already resolved
	stub, ok := res.Steps[1].Output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "stub", stub["type"])
	assert.Equal(t, "summarize /tmp/x", stub["prompt"])

	assert.Equal(t, true, res.Output)
	assert.GreaterOrEqual(t, res.LatencyMs, int64(0))
}

func TestRunRollbackAfterFailedAssertion(t *testing.T) {
	f := newRunnerFixture(t, nil)
	f.registerTool(t, "write_file", echoTool)
	f.registerTool(t, "commit", func(_ context.Context, _ *tenant.Context, _ map[string]any) (any, error) {
		return map[string]any{"committed": true}, nil
	})

	var rollbackCalls int
	var rolledBack []CompletedStep
	require.NoError(t, f.skills.Register(Definition{
		Name:    "release",
		Version: "1.0.0",
		Steps: []Step{
			ToolStep("write_file", map[string]any{"path": "/tmp/x"}, ""),
			ToolStep("commit", nil, ""),
			AssertStep("never true", func(map[string]any, any) (bool, error) { return false, nil }),
		},
		Rollback: func(_ context.Context, completed []CompletedStep) error {
			rollbackCalls++
			rolledBack = completed
			return nil
		},
	}))

	res, err := f.runner.Run(context.Background(), f.invocation(), "release", "1.0.0", nil)
	require.True(t, fault.IsCode(err, fault.CodeSkillStepFailed))

	require.NotNil(t, res)
	assert.False(t, res.IsSuccess)
	assert.Nil(t, res.Output)
	require.Len(t, res.Steps, 3)
	assert.True(t, res.Steps[0].IsSuccess)
	assert.True(t, res.Steps[1].IsSuccess)
	assert.False(t, res.Steps[2].IsSuccess)
	assert.Contains(t, res.Steps[2].Error, "never true")

	assert.Equal(t, 1, rollbackCalls)
	require.Len(t, rolledBack, 2)
	// most-recent-first
	assert.Equal(t, 1, rolledBack[0].Index)
	assert.Equal(t, "commit", rolledBack[0].Step.ToolName)
	assert.Equal(t, 0, rolledBack[1].Index)
	assert.Equal(t, "write_file", rolledBack[1].Step.ToolName)
}

func TestRunPreconditionFailure(t *testing.T) {
	f := newRunnerFixture(t, nil)
	require.NoError(t, f.skills.Register(Definition{
		Name:         "guarded",
		Version:      "1.0.0",
		Steps:        []Step{AssertStep("x", func(map[string]any, any) (bool, error) { return true, nil })},
		Precondition: func(context.Context, map[string]any) bool { return false },
	}))

	_, err := f.runner.Run(context.Background(), f.invocation(), "guarded", "", nil)
	require.True(t, fault.IsCode(err, fault.CodeSkillStepFailed))

	var env *fault.Envelope
	require.ErrorAs(t, err, &env)
	assert.Equal(t, "Skill precondition failed", env.Message)
}

func TestRunPostconditionTriggersRollback(t *testing.T) {
	f := newRunnerFixture(t, nil)
	f.registerTool(t, "write_file", echoTool)

	var rollbackCalls int
	require.NoError(t, f.skills.Register(Definition{
		Name:          "checked",
		Version:       "1.0.0",
		Steps:         []Step{ToolStep("write_file", map[string]any{"path": "/a"}, "")},
		Postcondition: func(context.Context, any) bool { return false },
		Rollback: func(context.Context, []CompletedStep) error {
			rollbackCalls++
			return nil
		},
	}))

	res, err := f.runner.Run(context.Background(), f.invocation(), "checked", "", nil)
	require.True(t, fault.IsCode(err, fault.CodeSkillStepFailed))

	var env *fault.Envelope
	require.ErrorAs(t, err, &env)
	assert.Equal(t, "Skill postcondition failed", env.Message)
	assert.Equal(t, 1, rollbackCalls)
	assert.False(t, res.IsSuccess)
}

func TestRunRollbackFailuresAreSwallowed(t *testing.T) {
	f := newRunnerFixture(t, nil)
	f.registerTool(t, "write_file", echoTool)

	register := func(name string, rollback func(context.Context, []CompletedStep) error) {
		require.NoError(t, f.skills.Register(Definition{
			Name:    name,
			Version: "1.0.0",
			Steps: []Step{
				ToolStep("write_file", map[string]any{"path": "/a"}, ""),
				AssertStep("fails", func(map[string]any, any) (bool, error) { return false, nil }),
			},
			Rollback: rollback,
		}))
	}

	register("err-rollback", func(context.Context, []CompletedStep) error {
		return errors.New("undo failed")
	})
	register("panic-rollback", func(context.Context, []CompletedStep) error {
		panic("undo blew up")
	})

	_, err := f.runner.Run(context.Background(), f.invocation(), "err-rollback", "", nil)
	assert.True(t, fault.IsCode(err, fault.CodeSkillStepFailed))

	_, err = f.runner.Run(context.Background(), f.invocation(), "panic-rollback", "", nil)
	assert.True(t, fault.IsCode(err, fault.CodeSkillStepFailed))
}

func TestRunRollbackSkippedWithoutToolStep(t *testing.T) {
	f := newRunnerFixture(t, nil)

	var rollbackCalls int
	require.NoError(t, f.skills.Register(Definition{
		Name:    "pure",
		Version: "1.0.0",
		Steps: []Step{
			AssertStep("fails", func(map[string]any, any) (bool, error) { return false, nil }),
		},
		Rollback: func(context.Context, []CompletedStep) error {
			rollbackCalls++
			return nil
		},
	}))

	_, err := f.runner.Run(context.Background(), f.invocation(), "pure", "", nil)
	require.True(t, fault.IsCode(err, fault.CodeSkillStepFailed))
	assert.Equal(t, 0, rollbackCalls)
}

type fixedProvider struct{ text string }

func (p fixedProvider) GenerateText(context.Context, llm.Request) (string, error) {
	return p.text, nil
}

type failingProvider struct{ err error }

func (p failingProvider) GenerateText(context.Context, llm.Request) (string, error) {
	return "", p.err
}

func TestRunLlmStepUsesProviderText(t *testing.T) {
	f := newRunnerFixture(t, fixedProvider{text: "haiku"})
	require.NoError(t, f.skills.Register(Definition{
		Name:    "poet",
		Version: "1.0.0",
		Steps:   []Step{LlmStep("write a haiku", "")},
	}))

	res, err := f.runner.Run(context.Background(), f.invocation(), "poet", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "haiku", res.Output)
}

func TestRunLlmErrorPropagates(t *testing.T) {
	f := newRunnerFixture(t, failingProvider{err: fault.New(fault.CodeEngineUnavailable, "provider down")})
	require.NoError(t, f.skills.Register(Definition{
		Name:    "poet",
		Version: "1.0.0",
		Steps:   []Step{LlmStep("write a haiku", "")},
	}))

	res, err := f.runner.Run(context.Background(), f.invocation(), "poet", "", nil)
	require.True(t, fault.IsCode(err, fault.CodeEngineUnavailable))
	assert.False(t, res.IsSuccess)
}

func TestRunStoresToolOutputUnderToolNameByDefault(t *testing.T) {
	f := newRunnerFixture(t, nil)
	f.registerTool(t, "write_file", echoTool)

	require.NoError(t, f.skills.Register(Definition{
		Name:    "implicit-key",
		Version: "1.0.0",
		Steps: []Step{
			ToolStep("write_file", map[string]any{"path": "/b"}, ""),
			AssertExpr("stored under tool name", `bag.write_file.written == "/b"`),
		},
	}))

	res, err := f.runner.Run(context.Background(), f.invocation(), "implicit-key", "", nil)
	require.NoError(t, err)
	assert.True(t, res.IsSuccess)
}

func TestRunNestedSkillsHitRecursionBound(t *testing.T) {
	f := newRunnerFixture(t, nil)
	f.registerTool(t, "noop", func(_ context.Context, _ *tenant.Context, _ map[string]any) (any, error) {
		return map[string]any{"ok": true}, nil
	})
	f.registerTool(t, "recurse", func(ctx context.Context, inv *tenant.Context, _ map[string]any) (any, error) {
		res, err := f.runner.Run(ctx, inv, "deep", "", nil)
		if err != nil {
			return nil, err
		}
		return res.Output, nil
	})

	var rollbackCalls int
	require.NoError(t, f.skills.Register(Definition{
		Name:    "deep",
		Version: "1.0.0",
		Steps: []Step{
			ToolStep("noop", nil, ""),
			ToolStep("recurse", nil, ""),
		},
		Rollback: func(context.Context, []CompletedStep) error {
			rollbackCalls++
			return nil
		},
	}))

	_, err := f.runner.Run(context.Background(), f.invocation(), "deep", "", nil)
	require.True(t, fault.IsCode(err, fault.CodeInvariantViolation))

	// every nesting level that committed its noop step rolled back once
	assert.Equal(t, 10, rollbackCalls)
}

func TestRunUnknownSkill(t *testing.T) {
	f := newRunnerFixture(t, nil)
	_, err := f.runner.Run(context.Background(), f.invocation(), "ghost", "", nil)
	assert.True(t, fault.IsCode(err, fault.CodeInternal))
}

func TestRunRequiresInvocation(t *testing.T) {
	f := newRunnerFixture(t, nil)
	require.NoError(t, f.skills.Register(noopSkill("deploy", "1.0.0")))

	_, err := f.runner.Run(context.Background(), nil, "deploy", "", nil)
	assert.True(t, fault.IsCode(err, fault.CodeUnauthorized))
}
