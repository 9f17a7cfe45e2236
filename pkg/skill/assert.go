package skill

import (
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/requiemhq/requiem/pkg/fault"
)

// CEL programs are bounded so an assert expression cannot stall a run.
const (
	celCostLimit          = 10000
	celInterruptFrequency = 100
)

// CELAsserter compiles assert expressions once and evaluates them against
// {bag, last}. Expressions are pure: no side effects, deterministic given
// the same inputs.
type CELAsserter struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

func NewCELAsserter() (*CELAsserter, error) {
	env, err := cel.NewEnv(
		cel.Variable("bag", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("last", cel.DynType),
	)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "build cel environment", err)
	}
	return &CELAsserter{env: env, programs: make(map[string]cel.Program)}, nil
}

// Assert evaluates expr against the bag and last output. The expression
// must produce a bool.
func (a *CELAsserter) Assert(expr string, bag map[string]any, last any) (bool, error) {
	prg, err := a.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{"bag": bag, "last": last})
	if err != nil {
		return false, fault.Wrap(fault.CodeSkillStepFailed, "evaluate assert expression", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fault.Newf(fault.CodeValidationFailed,
			"assert expression %q must evaluate to bool", expr)
	}
	return result, nil
}

func (a *CELAsserter) program(expr string) (cel.Program, error) {
	a.mu.RLock()
	prg, hit := a.programs[expr]
	a.mu.RUnlock()
	if hit {
		return prg, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if prg, hit = a.programs[expr]; hit {
		return prg, nil
	}

	ast, issues := a.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fault.Wrap(fault.CodeValidationFailed,
			"compile assert expression", issues.Err())
	}
	prg, err := a.env.Program(ast,
		cel.InterruptCheckFrequency(celInterruptFrequency),
		cel.CostLimit(celCostLimit),
	)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "build assert program", err)
	}
	a.programs[expr] = prg
	return prg, nil
}
