// Package metering records per-tenant economic events: executions, replay
// storage, policy evaluations, and drift analyses. Cost units derive
// deterministically from measured latency.
package metering

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/requiemhq/requiem/pkg/clock"
)

var (
	// ErrEmptyTenantID is returned when an event has no tenant id.
	ErrEmptyTenantID = errors.New("metering: tenant_id must not be empty")
	// ErrNegativeUnits is returned when resource or cost units are negative.
	ErrNegativeUnits = errors.New("metering: units must not be negative")
	// ErrInvalidEventType is returned for unknown event types.
	ErrInvalidEventType = errors.New("metering: unknown event_type")
)

// EventType classifies an economic event.
type EventType string

const (
	EventExecution     EventType = "execution"
	EventReplayStorage EventType = "replay_storage"
	EventPolicyEval    EventType = "policy_eval"
	EventDriftAnalysis EventType = "drift_analysis"
)

var validEventTypes = map[EventType]bool{
	EventExecution:     true,
	EventReplayStorage: true,
	EventPolicyEval:    true,
	EventDriftAnalysis: true,
}

// Event is a single economic event.
type Event struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	RunID         string    `json:"run_id"`
	EventType     EventType `json:"event_type"`
	ResourceUnits int64     `json:"resource_units"`
	CostUnits     int64     `json:"cost_units"`
	CreatedAt     string    `json:"created_at"`
}

// Validate checks the event's required fields.
func (e Event) Validate() error {
	if e.TenantID == "" {
		return ErrEmptyTenantID
	}
	if e.ResourceUnits < 0 || e.CostUnits < 0 {
		return ErrNegativeUnits
	}
	if !validEventTypes[e.EventType] {
		return ErrInvalidEventType
	}
	return nil
}

// ExecutionCost converts measured latency to cost units:
// max(1, ceil(latencyMs/100)). One unit is roughly 100 ms of execution.
func ExecutionCost(latencyMs int64) int64 {
	if latencyMs <= 0 {
		return 1
	}
	units := (latencyMs + 99) / 100
	if units < 1 {
		return 1
	}
	return units
}

// NewExecutionEvent builds an execution event for a completed invocation.
func NewExecutionEvent(clk clock.Clock, tenantID, runID string, latencyMs, resourceUnits int64) Event {
	return Event{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		RunID:         runID,
		EventType:     EventExecution,
		ResourceUnits: resourceUnits,
		CostUnits:     ExecutionCost(latencyMs),
		CreatedAt:     clk.NowISO(),
	}
}

// Recorder stores and aggregates economic events.
type Recorder interface {
	// Record validates and stores one event.
	Record(ctx context.Context, event Event) error
	// ForTenant returns the tenant's events in insertion order.
	ForTenant(ctx context.Context, tenantID string) ([]Event, error)
	// TotalCost sums cost units for a tenant and event type.
	TotalCost(ctx context.Context, tenantID string, eventType EventType) (int64, error)
}

// MemoryRecorder is the in-process Recorder.
type MemoryRecorder struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryRecorder returns an empty recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

// Record implements Recorder.
func (m *MemoryRecorder) Record(_ context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// ForTenant implements Recorder.
func (m *MemoryRecorder) ForTenant(_ context.Context, tenantID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, e := range m.events {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out, nil
}

// TotalCost implements Recorder.
func (m *MemoryRecorder) TotalCost(_ context.Context, tenantID string, eventType EventType) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, e := range m.events {
		if e.TenantID == tenantID && e.EventType == eventType {
			total += e.CostUnits
		}
	}
	return total, nil
}
