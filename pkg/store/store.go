// Package store holds the repositories for persisted run artifacts:
// decision records, decision junctions, and replay envelopes. The ledger and
// CAS have their own packages; everything here is plain keyed storage.
package store

import (
	"context"

	"github.com/requiemhq/requiem/pkg/decide"
	"github.com/requiemhq/requiem/pkg/envelope"
	"github.com/requiemhq/requiem/pkg/lifecycle"
)

// DecisionRecord captures one evaluator run and its full input and output,
// so the decision can be replayed bit for bit.
type DecisionRecord struct {
	ID         string        `json:"id"`
	TenantID   string        `json:"tenant_id"`
	RunID      string        `json:"run_id"`
	JunctionID string        `json:"junction_id,omitempty"`
	Input      decide.Input  `json:"input"`
	Output     decide.Output `json:"output"`
	CreatedAt  string        `json:"created_at"`
}

// Junction is a decision point surfaced during a run. Its state is driven by
// the junction machine; the repository only persists what it is told.
type Junction struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	RunID      string          `json:"run_id"`
	State      lifecycle.State `json:"state"`
	Question   string          `json:"question"`
	Options    []string        `json:"options"`
	DecisionID string          `json:"decision_id,omitempty"`
	CreatedAt  string          `json:"created_at"`
	UpdatedAt  string          `json:"updated_at"`
}

// Decisions persists evaluator runs.
type Decisions interface {
	Save(ctx context.Context, rec *DecisionRecord) error
	Get(ctx context.Context, id string) (*DecisionRecord, error)
	ForRun(ctx context.Context, runID string) ([]*DecisionRecord, error)
}

// Junctions persists decision junctions.
type Junctions interface {
	Save(ctx context.Context, j *Junction) error
	Get(ctx context.Context, id string) (*Junction, error)
	Update(ctx context.Context, j *Junction) error
	ForRun(ctx context.Context, runID string) ([]*Junction, error)
}

// Envelopes persists sealed replay envelopes keyed by their self-hash.
// ByRequest returns envelopes in the order they were saved, which is the
// order the run produced them.
type Envelopes interface {
	Save(ctx context.Context, e *envelope.Envelope) error
	Get(ctx context.Context, hash string) (*envelope.Envelope, error)
	ByRequest(ctx context.Context, requestID string) ([]*envelope.Envelope, error)
	ForTenant(ctx context.Context, tenantID string) ([]*envelope.Envelope, error)
}
