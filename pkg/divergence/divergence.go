// Package divergence is the sentinel that records every observed mismatch
// between a re-execution and previously persisted fingerprints. Recording is
// loud on purpose: every event is logged at error level and echoed to the
// console, and the package exposes no way to turn that off. Acknowledgment
// belongs to operator tooling outside the core.
package divergence

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/requiemhq/requiem/pkg/canonical"
	"github.com/requiemhq/requiem/pkg/clock"
	"github.com/requiemhq/requiem/pkg/fault"
)

// Type classifies what diverged.
type Type string

const (
	TypeFingerprintMismatch Type = "fingerprint_mismatch"
	TypeReplayMismatch      Type = "replay_mismatch"
	TypePolicyDrift         Type = "policy_drift"
	TypeOutputDrift         Type = "output_drift"
)

// Event is a single observed divergence. Acknowledged is always false when
// stored; the core never acknowledges its own events.
type Event struct {
	ID                  string         `json:"id"`
	RunID               string         `json:"run_id"`
	DetectedAt          string         `json:"detected_at"`
	Type                Type           `json:"type"`
	ExpectedFingerprint string         `json:"expected_fingerprint"`
	ActualFingerprint   string         `json:"actual_fingerprint"`
	StepNumber          *int           `json:"step_number,omitempty"`
	Severity            fault.Severity `json:"severity"`
	Acknowledged        bool           `json:"acknowledged"`
}

// Status is the divergence view of one run.
type Status struct {
	IsDivergent bool           `json:"is_divergent"`
	Severity    fault.Severity `json:"severity,omitempty"`
	Events      []Event        `json:"events"`
}

// Sentinel stores divergence events per run and keeps each run's status at
// the highest severity seen so far.
type Sentinel struct {
	mu      sync.RWMutex
	events  map[string][]Event
	status  map[string]fault.Severity
	console io.Writer
	clock   clock.Clock
	logger  *slog.Logger
	observe func(Event)
}

// NewSentinel returns a sentinel writing console warnings to stdout.
func NewSentinel(clk clock.Clock) *Sentinel {
	if clk == nil {
		clk = clock.System()
	}
	return &Sentinel{
		events:  make(map[string][]Event),
		status:  make(map[string]fault.Severity),
		console: os.Stdout,
		clock:   clk,
		logger:  slog.Default(),
	}
}

// WithConsole redirects the console warning stream, for tests and embedders
// that own stdout. The warning itself cannot be disabled.
func (s *Sentinel) WithConsole(w io.Writer) *Sentinel {
	if w != nil {
		s.console = w
	}
	return s
}

// WithLogger replaces the structured logger.
func (s *Sentinel) WithLogger(l *slog.Logger) *Sentinel {
	if l != nil {
		s.logger = l
	}
	return s
}

// WithObserver registers a hook called after every recorded event, used to
// feed metrics.
func (s *Sentinel) WithObserver(fn func(Event)) *Sentinel {
	s.observe = fn
	return s
}

// Record stores the event, raises the run's divergence status to the highest
// severity seen, and emits the error log plus the console warning.
func (s *Sentinel) Record(ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.DetectedAt == "" {
		ev.DetectedAt = s.clock.NowISO()
	}
	if ev.Severity == "" {
		ev.Severity = fault.SeverityWarning
	}
	ev.Acknowledged = false

	s.mu.Lock()
	s.events[ev.RunID] = append(s.events[ev.RunID], ev)
	s.status[ev.RunID] = fault.SeverityMax(s.status[ev.RunID], ev.Severity)
	s.mu.Unlock()

	step := 0
	if ev.StepNumber != nil {
		step = *ev.StepNumber
	}
	expected := canonical.Short(ev.ExpectedFingerprint)
	actual := canonical.Short(ev.ActualFingerprint)

	s.logger.Error("divergence detected",
		"run_id", ev.RunID,
		"type", string(ev.Type),
		"severity", string(ev.Severity),
		"step", step,
		"expected", expected,
		"actual", actual,
	)
	fmt.Fprintf(s.console, "DIVERGENCE WARNING: run %s %s at step %d: expected %s, actual %s\n",
		ev.RunID, ev.Type, step, expected, actual)

	if s.observe != nil {
		s.observe(ev)
	}
	return ev
}

// Has reports whether the run has any recorded divergence.
func (s *Sentinel) Has(runID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events[runID]) > 0
}

// Status returns the run's divergence view. Events are copied.
func (s *Sentinel) Status(runID string) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[runID]
	out := Status{
		IsDivergent: len(evs) > 0,
		Events:      make([]Event, len(evs)),
	}
	copy(out.Events, evs)
	if out.IsDivergent {
		out.Severity = s.status[runID]
	}
	return out
}
