// Package skill runs versioned multi-step workflows over the tool gate.
// A skill is an ordered list of tool, llm, and assert steps sharing a bag of
// named outputs, with optional precondition, postcondition, and rollback
// hooks.
package skill

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/requiemhq/requiem/pkg/fault"
)

// StepKind discriminates the step variants.
type StepKind string

const (
	StepTool   StepKind = "tool"
	StepLlm    StepKind = "llm"
	StepAssert StepKind = "assert"
)

// Predicate evaluates an assert step against the output bag and the last
// step's output.
type Predicate func(bag map[string]any, last any) (bool, error)

// Step is one workflow step. Exactly one variant's fields are set, selected
// by Kind.
type Step struct {
	Kind StepKind `json:"kind"`

	// tool steps
	ToolName  string         `json:"toolName,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	OutputKey string         `json:"outputKey,omitempty"`

	// llm steps
	Prompt string `json:"prompt,omitempty"`
	Model  string `json:"model,omitempty"`

	// assert steps carry either a Go predicate or a CEL expression over
	// {bag, last}
	Predicate   Predicate `json:"-"`
	Expression  string    `json:"expression,omitempty"`
	Description string    `json:"description,omitempty"`
}

// ToolStep invokes toolName through the gate and stores the output under
// outputKey, or under the tool name when outputKey is empty.
func ToolStep(toolName string, input map[string]any, outputKey string) Step {
	return Step{Kind: StepTool, ToolName: toolName, Input: input, OutputKey: outputKey}
}

// LlmStep generates text from the resolved prompt. Model empty uses the
// provider default.
func LlmStep(prompt, model string) Step {
	return Step{Kind: StepLlm, Prompt: prompt, Model: model}
}

// AssertStep checks a Go predicate; false fails the run with the
// description.
func AssertStep(description string, p Predicate) Step {
	return Step{Kind: StepAssert, Description: description, Predicate: p}
}

// AssertExpr checks a CEL expression evaluated against {bag, last}.
func AssertExpr(description, expression string) Step {
	return Step{Kind: StepAssert, Description: description, Expression: expression}
}

// CompletedStep is one successfully finished step handed to Rollback.
type CompletedStep struct {
	Index  int
	Step   Step
	Output any
}

// Definition is a versioned workflow.
type Definition struct {
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	Description   string   `json:"description,omitempty"`
	RequiredTools []string `json:"requiredTools,omitempty"`
	Steps         []Step   `json:"steps"`

	// Precondition gates the run; false fails before any step executes.
	Precondition func(ctx context.Context, arg map[string]any) bool `json:"-"`
	// Postcondition checks the final output; false triggers rollback.
	Postcondition func(ctx context.Context, result any) bool `json:"-"`
	// Rollback is invoked at most once on failure, with completed steps
	// most-recent-first. Only runs after at least one tool step committed.
	Rollback func(ctx context.Context, completed []CompletedStep) error `json:"-"`
}

// Ref returns the name@version identity.
func (d Definition) Ref() string {
	return d.Name + "@" + d.Version
}

// Validate checks structural integrity at registration time.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fault.New(fault.CodeValidationFailed, "skill name is required")
	}
	if _, err := semver.NewVersion(d.Version); err != nil {
		return fault.Wrap(fault.CodeValidationFailed,
			"skill "+d.Name+": version must be semver", err)
	}
	if len(d.Steps) == 0 {
		return fault.Newf(fault.CodeValidationFailed, "skill %s has no steps", d.Ref())
	}
	for i, s := range d.Steps {
		if err := s.validate(); err != nil {
			return fault.Wrap(fault.CodeValidationFailed,
				fmt.Sprintf("skill %s: step %d invalid", d.Ref(), i), err)
		}
	}
	return nil
}

func (s Step) validate() error {
	switch s.Kind {
	case StepTool:
		if s.ToolName == "" {
			return fault.New(fault.CodeValidationFailed, "tool step requires toolName")
		}
	case StepLlm:
		if s.Prompt == "" {
			return fault.New(fault.CodeValidationFailed, "llm step requires a prompt")
		}
	case StepAssert:
		if s.Predicate == nil && s.Expression == "" {
			return fault.New(fault.CodeValidationFailed,
				"assert step requires a predicate or expression")
		}
	default:
		return fault.Newf(fault.CodeValidationFailed, "unknown step kind %q", s.Kind)
	}
	return nil
}
