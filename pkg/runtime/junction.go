package runtime

import (
	"context"

	"github.com/google/uuid"

	"github.com/requiemhq/requiem/pkg/decide"
	"github.com/requiemhq/requiem/pkg/fault"
	"github.com/requiemhq/requiem/pkg/lifecycle"
	"github.com/requiemhq/requiem/pkg/metering"
	"github.com/requiemhq/requiem/pkg/store"
	"github.com/requiemhq/requiem/pkg/tenant"
)

// DecideRequest is one decision junction: a question, the candidate actions,
// and the evaluation input. RunID groups the junction with the invocations of
// the same run.
type DecideRequest struct {
	RunID    string
	Question string
	Input    decide.Input
}

// DecideResult pairs the persisted junction with the evaluator's output.
type DecideResult struct {
	Junction *store.Junction       `json:"junction"`
	Decision *store.DecisionRecord `json:"decision"`
}

// Decide walks one junction through its machine: detected, validated,
// surfaced for a decision, executed, resolved. The evaluator's full input and
// output are persisted so the decision replays bit for bit. A rejected input
// leaves the junction blocked; nothing about a blocked junction is deleted.
func (r *Runtime) Decide(ctx context.Context, inv *tenant.Context, req DecideRequest) (*DecideResult, error) {
	if inv == nil {
		return nil, fault.New(fault.CodeUnauthorized, "decision requires an invocation context")
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	machine := lifecycle.NewJunctionMachine().NewInstance(r.Clock)
	junction := &store.Junction{
		ID:        uuid.NewString(),
		TenantID:  inv.TenantID,
		RunID:     req.RunID,
		State:     machine.Current(),
		Question:  req.Question,
		Options:   append([]string(nil), req.Input.Actions...),
		CreatedAt: r.Clock.NowISO(),
		UpdatedAt: r.Clock.NowISO(),
	}
	if err := r.Junctions.Save(ctx, junction); err != nil {
		return nil, err
	}

	if err := machine.Advance(lifecycle.JunctionValidating); err != nil {
		return nil, err
	}
	r.persistJunctionState(ctx, junction, machine.Current())

	out, err := r.Evaluator.Evaluate(req.Input)
	if err != nil {
		if aerr := machine.AdvanceWithReason(lifecycle.JunctionBlocked, "input rejected"); aerr == nil {
			r.persistJunctionState(ctx, junction, machine.Current())
		}
		return nil, err
	}

	// The recommendation is adopted in the same call: this surface has no
	// out-of-band approver, so awaiting and executing collapse into the
	// evaluation itself.
	for _, next := range []lifecycle.State{lifecycle.JunctionAwaiting, lifecycle.JunctionExecuting, lifecycle.JunctionResolved} {
		if err := machine.Advance(next); err != nil {
			return nil, err
		}
	}

	rec := &store.DecisionRecord{
		ID:         uuid.NewString(),
		TenantID:   inv.TenantID,
		RunID:      req.RunID,
		JunctionID: junction.ID,
		Input:      req.Input,
		Output:     *out,
		CreatedAt:  r.Clock.NowISO(),
	}
	if err := r.Decisions.Save(ctx, rec); err != nil {
		return nil, err
	}

	junction.DecisionID = rec.ID
	r.persistJunctionState(ctx, junction, machine.Current())

	event := metering.Event{
		ID:            uuid.NewString(),
		TenantID:      inv.TenantID,
		RunID:         req.RunID,
		EventType:     metering.EventPolicyEval,
		ResourceUnits: int64(len(req.Input.Actions)),
		CostUnits:     metering.ExecutionCost(out.Trace.ProcessingTimeMs),
		CreatedAt:     r.Clock.NowISO(),
	}
	if err := r.Meter.Record(ctx, event); err != nil {
		r.Logger.Warn("decision metering failed", "run_id", req.RunID, "error", err)
	}

	return &DecideResult{Junction: junction, Decision: rec}, nil
}

// persistJunctionState writes the machine's current state back to the
// repository. Persistence failures are logged and do not unwind the machine:
// the in-memory state remains authoritative for the rest of the call.
func (r *Runtime) persistJunctionState(ctx context.Context, j *store.Junction, s lifecycle.State) {
	j.State = s
	j.UpdatedAt = r.Clock.NowISO()
	if err := r.Junctions.Update(ctx, j); err != nil {
		r.Logger.Warn("junction state not persisted", "junction_id", j.ID, "state", string(s), "error", err)
	}
}
