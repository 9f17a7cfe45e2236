package lifecycle

import (
	"github.com/requiemhq/requiem/pkg/clock"
	"github.com/requiemhq/requiem/pkg/fault"
)

// Run pipeline states, in strict order. DIVERGENT is a sink reachable from
// every non-terminal state.
const (
	RunInit            State = "INIT"
	RunPolicyChecked   State = "POLICY_CHECKED"
	RunArbitrated      State = "ARBITRATED"
	RunExecuted        State = "EXECUTED"
	RunManifestBuilt   State = "MANIFEST_BUILT"
	RunSigned          State = "SIGNED"
	RunLedgerCommitted State = "LEDGER_COMMITTED"
	RunComplete        State = "COMPLETE"
	RunDivergent       State = "DIVERGENT"
)

// PipelineOrder is the monotonic 8-step run pipeline.
var PipelineOrder = []State{
	RunInit,
	RunPolicyChecked,
	RunArbitrated,
	RunExecuted,
	RunManifestBuilt,
	RunSigned,
	RunLedgerCommitted,
	RunComplete,
}

// newPipelineMachine builds the run machine: each state transitions only to
// its immediate successor, and every non-terminal state can sink to
// DIVERGENT.
func newPipelineMachine() *Machine {
	transitions := map[State][]State{}
	for i, s := range PipelineOrder {
		if i+1 < len(PipelineOrder) {
			transitions[s] = []State{PipelineOrder[i+1], RunDivergent}
		}
	}
	return NewMachine("run", RunInit, transitions, []State{RunComplete, RunDivergent})
}

var pipelineMachine = newPipelineMachine()

// RunTracker tracks one run through the pipeline. Skips and regressions are
// critical invariant violations; terminal runs are immutable.
type RunTracker struct {
	RunID    string
	instance *Instance
}

// NewRunTracker starts a tracker at INIT.
func NewRunTracker(runID string, clk clock.Clock) *RunTracker {
	return &RunTracker{RunID: runID, instance: pipelineMachine.NewInstance(clk)}
}

// Current returns the run's state.
func (t *RunTracker) Current() State { return t.instance.Current() }

// Done reports whether the run reached COMPLETE or DIVERGENT.
func (t *RunTracker) Done() bool { return t.instance.Done() }

// Divergent reports whether the run sank to DIVERGENT.
func (t *RunTracker) Divergent() bool { return t.instance.Current() == RunDivergent }

// Advance moves the run to the given state. Only the immediate successor or
// DIVERGENT is legal.
func (t *RunTracker) Advance(to State) error {
	if err := t.instance.Advance(to); err != nil {
		return fault.FromUnknown(err).WithMeta("run_id", t.RunID)
	}
	return nil
}

// Next advances the run one pipeline step.
func (t *RunTracker) Next() error {
	current := t.instance.Current()
	for i, s := range PipelineOrder {
		if s == current {
			if i+1 >= len(PipelineOrder) {
				return fault.Newf(fault.CodeInvariantViolation,
					"run: state %q is terminal", current).WithMeta("run_id", t.RunID)
			}
			return t.Advance(PipelineOrder[i+1])
		}
	}
	return fault.Newf(fault.CodeInvariantViolation,
		"run: state %q is terminal", current).WithMeta("run_id", t.RunID)
}

// MarkDivergent sinks the run to DIVERGENT with a reason. Terminal runs
// reject the transition.
func (t *RunTracker) MarkDivergent(reason string) error {
	if err := t.instance.AdvanceWithReason(RunDivergent, reason); err != nil {
		return fault.FromUnknown(err).WithMeta("run_id", t.RunID)
	}
	return nil
}

// History returns the recorded transitions.
func (t *RunTracker) History() []Transition { return t.instance.History() }
