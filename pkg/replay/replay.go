// Package replay re-executes stored invocations against their sealed
// envelopes. Inputs come back out of content-addressed storage by
// fingerprint, the tool gate runs them again, and any digest that fails to
// reproduce raises a divergence event. Integrity failures are never
// swallowed.
package replay

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/requiemhq/requiem/pkg/cas"
	"github.com/requiemhq/requiem/pkg/clock"
	"github.com/requiemhq/requiem/pkg/divergence"
	"github.com/requiemhq/requiem/pkg/envelope"
	"github.com/requiemhq/requiem/pkg/fault"
	"github.com/requiemhq/requiem/pkg/metering"
	"github.com/requiemhq/requiem/pkg/policy"
	"github.com/requiemhq/requiem/pkg/store"
	"github.com/requiemhq/requiem/pkg/tenant"
	"github.com/requiemhq/requiem/pkg/tool"
)

// Status summarizes one replayed step or a whole run.
type Status string

const (
	StatusVerified Status = "verified"
	StatusDiverged Status = "diverged"
	StatusFailed   Status = "failed"
)

// StepReport is the outcome of replaying one envelope.
type StepReport struct {
	StepNumber     int    `json:"step_number"`
	EnvelopeHash   string `json:"envelope_hash"`
	ToolRef        string `json:"tool_ref"`
	Status         Status `json:"status"`
	ExpectedDigest string `json:"expected_digest"`
	ActualDigest   string `json:"actual_digest,omitempty"`
	Deterministic  bool   `json:"deterministic"`
	Note           string `json:"note,omitempty"`
}

// Report aggregates a full run replay.
type Report struct {
	RequestID   string       `json:"request_id"`
	Status      Status       `json:"status"`
	Steps       []StepReport `json:"steps"`
	StartedAt   string       `json:"started_at"`
	CompletedAt string       `json:"completed_at"`
}

// EngineConfig wires the engine's collaborators. Gate and Envelopes are
// required; the rest default to in-memory implementations.
type EngineConfig struct {
	Gate      *tool.Gate
	Envelopes store.Envelopes
	CAS       cas.Store
	Policy    *policy.Snapshotter
	Sentinel  *divergence.Sentinel
	Meter     metering.Recorder
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Engine replays runs from their persisted envelopes.
type Engine struct {
	gate      *tool.Gate
	envelopes store.Envelopes
	cas       cas.Store
	policy    *policy.Snapshotter
	sentinel  *divergence.Sentinel
	meter     metering.Recorder
	clock     clock.Clock
	logger    *slog.Logger
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Gate == nil {
		return nil, fault.New(fault.CodeInternal, "replay engine requires a tool gate")
	}
	if cfg.Envelopes == nil {
		return nil, fault.New(fault.CodeInternal, "replay engine requires an envelope store")
	}
	e := &Engine{
		gate:      cfg.Gate,
		envelopes: cfg.Envelopes,
		cas:       cfg.CAS,
		policy:    cfg.Policy,
		sentinel:  cfg.Sentinel,
		meter:     cfg.Meter,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
	if e.cas == nil {
		e.cas = cas.NewMemoryStore()
	}
	if e.policy == nil {
		e.policy = policy.NewSnapshotter()
	}
	if e.clock == nil {
		e.clock = clock.System()
	}
	if e.sentinel == nil {
		e.sentinel = divergence.NewSentinel(e.clock)
	}
	if e.meter == nil {
		e.meter = metering.NewMemoryRecorder()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// Sentinel exposes the engine's divergence sentinel so callers can inspect
// run status after a replay.
func (e *Engine) Sentinel() *divergence.Sentinel {
	return e.sentinel
}

// ReplayRun replays every envelope persisted for requestID, in original
// save order. The report carries the worst step status; the first
// infrastructure failure aborts the run and is returned alongside the
// partial report.
func (e *Engine) ReplayRun(ctx context.Context, inv *tenant.Context, requestID string) (*Report, error) {
	report := &Report{
		RequestID: requestID,
		Status:    StatusVerified,
		StartedAt: e.clock.NowISO(),
	}

	envelopes, err := e.envelopes.ByRequest(ctx, requestID)
	if err != nil {
		report.Status = StatusFailed
		report.CompletedAt = e.clock.NowISO()
		return report, err
	}
	if len(envelopes) == 0 {
		report.Status = StatusFailed
		report.CompletedAt = e.clock.NowISO()
		return report, fault.Newf(fault.CodeFileNotFound, "no envelopes recorded for request %s", requestID)
	}

	for i, env := range envelopes {
		step, stepErr := e.ReplayEnvelope(ctx, inv, env, i)
		report.Steps = append(report.Steps, *step)
		report.Status = worseOf(report.Status, step.Status)
		if stepErr != nil && step.Status == StatusFailed {
			report.CompletedAt = e.clock.NowISO()
			return report, stepErr
		}
	}

	report.CompletedAt = e.clock.NowISO()
	e.logger.Info("replay finished",
		"request_id", requestID,
		"steps", len(report.Steps),
		"status", string(report.Status),
	)
	return report, nil
}

// ReplayEnvelope re-executes one stored invocation. Divergences are
// recorded on the sentinel and reflected in the report; integrity errors
// (a tampered envelope) are additionally returned to the caller.
func (e *Engine) ReplayEnvelope(ctx context.Context, inv *tenant.Context, env *envelope.Envelope, stepNumber int) (*StepReport, error) {
	report := &StepReport{
		StepNumber:     stepNumber,
		EnvelopeHash:   env.Hash,
		ToolRef:        env.ToolName + "@" + env.ToolVersion,
		Status:         StatusVerified,
		ExpectedDigest: env.OutputDigest,
		Deterministic:  env.Deterministic,
	}

	if inv == nil {
		report.Status = StatusFailed
		return report, fault.New(fault.CodeUnauthorized, "invocation context is required")
	}
	if env.TenantID != inv.TenantID {
		report.Status = StatusFailed
		return report, fault.New(fault.CodeTenantAccessDenied, "envelope belongs to another tenant")
	}

	// a tampered envelope cannot be trusted for re-execution
	if err := env.Verify(); err != nil {
		recomputed, hashErr := env.ComputeHash()
		if hashErr != nil {
			recomputed = ""
		}
		e.sentinel.Record(divergence.Event{
			RunID:               env.RequestID,
			Type:                divergence.TypeFingerprintMismatch,
			ExpectedFingerprint: env.Hash,
			ActualFingerprint:   recomputed,
			StepNumber:          &stepNumber,
			Severity:            fault.SeverityCritical,
		})
		report.Status = StatusDiverged
		report.Note = "envelope self-hash mismatch"
		return report, err
	}

	// policy drift does not stop re-execution; both findings can coexist
	currentPolicy, err := e.policy.Capture()
	if err != nil {
		report.Status = StatusFailed
		return report, err
	}
	if currentPolicy != env.PolicySnapshotHash {
		e.sentinel.Record(divergence.Event{
			RunID:               env.RequestID,
			Type:                divergence.TypePolicyDrift,
			ExpectedFingerprint: env.PolicySnapshotHash,
			ActualFingerprint:   currentPolicy,
			StepNumber:          &stepNumber,
			Severity:            fault.SeverityCritical,
		})
		report.Status = StatusDiverged
		report.Note = "policy snapshot drifted"
	}

	inputBytes, err := e.cas.Get(ctx, cas.KeyPrefix+env.InputFingerprint)
	if err != nil {
		report.Status = StatusFailed
		return report, err
	}
	var input map[string]any
	if err := json.Unmarshal(inputBytes, &input); err != nil {
		report.Status = StatusFailed
		return report, fault.Wrap(fault.CodeInternal, "decode stored input", err)
	}

	result, err := e.gate.Call(ctx, tool.Request{
		Name:       env.ToolName,
		Version:    env.ToolVersion,
		Input:      input,
		Invocation: inv,
	})
	if err != nil {
		report.Status = StatusFailed
		return report, err
	}
	report.ActualDigest = result.Envelope.OutputDigest

	event := metering.NewExecutionEvent(e.clock, env.TenantID, env.RequestID, result.DurationMs, int64(len(inputBytes)))
	event.EventType = metering.EventReplayStorage
	if err := e.meter.Record(ctx, event); err != nil {
		e.logger.Warn("replay metering failed", "request_id", env.RequestID, "error", err)
	}

	if report.ActualDigest == env.OutputDigest {
		return report, nil
	}

	// deterministic tools must reproduce exactly; anything else is drift
	// worth surfacing but not critical
	divType := divergence.TypeOutputDrift
	severity := fault.SeverityWarning
	if env.Deterministic {
		divType = divergence.TypeReplayMismatch
		severity = fault.SeverityCritical
	}
	e.sentinel.Record(divergence.Event{
		RunID:               env.RequestID,
		Type:                divType,
		ExpectedFingerprint: env.OutputDigest,
		ActualFingerprint:   report.ActualDigest,
		StepNumber:          &stepNumber,
		Severity:            severity,
	})
	report.Status = StatusDiverged
	report.Note = "output digest did not reproduce"
	return report, nil
}

func worseOf(a, b Status) Status {
	rank := map[Status]int{StatusVerified: 0, StatusDiverged: 1, StatusFailed: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
