// Package ledger is the append-only audit log. Every entry is hash-chained
// to its predecessor; entries are never updated or deleted. Ledger writes
// for one tenant happen in the same serial order as the budget reservations
// that precede them, so replaying a tenant's entries in insertion order
// reproduces the state seen at runtime.
package ledger

import (
	"context"

	"github.com/requiemhq/requiem/pkg/canonical"
	"github.com/requiemhq/requiem/pkg/fault"
)

// Genesis is the prev-hash of the first entry.
const Genesis = "genesis"

// HashPrefix tags content hashes with the digest algorithm.
const HashPrefix = "blake3:"

// Entry is one immutable ledger record.
type Entry struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	Timestamp   string         `json:"timestamp"`
	EventType   string         `json:"event_type"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Sequence    uint64         `json:"sequence"`
	ContentHash string         `json:"content_hash"`
	PrevHash    string         `json:"prev_hash"`
}

// Ledger appends and reads audit entries.
type Ledger interface {
	// Append writes one entry synchronously. Metadata is sanitized before
	// storage.
	Append(ctx context.Context, tenantID, eventType, description string, metadata map[string]any) (*Entry, error)
	// Entries returns entries in insertion order. An empty tenantID
	// returns all entries.
	Entries(ctx context.Context, tenantID string) ([]Entry, error)
	// Verify walks the whole chain and recomputes every content hash.
	Verify(ctx context.Context) error
}

// hashInput is the canonical shape content hashes commit to. The content
// hash field itself is excluded.
type hashInput struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	Timestamp   string         `json:"timestamp"`
	EventType   string         `json:"event_type"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Sequence    uint64         `json:"sequence"`
	PrevHash    string         `json:"prev_hash"`
}

func contentHash(e Entry) (string, error) {
	h, err := canonical.Hash(hashInput{
		ID:          e.ID,
		TenantID:    e.TenantID,
		Timestamp:   e.Timestamp,
		EventType:   e.EventType,
		Description: e.Description,
		Metadata:    e.Metadata,
		Sequence:    e.Sequence,
		PrevHash:    e.PrevHash,
	})
	if err != nil {
		return "", err
	}
	return HashPrefix + h, nil
}

// verifyChain recomputes the chain over entries in order.
func verifyChain(entries []Entry) error {
	prev := Genesis
	for i, e := range entries {
		if e.PrevHash != prev {
			return fault.Newf(fault.CodeHashMismatch,
				"ledger chain broken at sequence %d: expected prev %s, got %s",
				e.Sequence, prev, e.PrevHash).WithMeta("index", i)
		}
		computed, err := contentHash(e)
		if err != nil {
			return fault.Wrap(fault.CodeHashMismatch, "ledger entry unhashable", err)
		}
		if computed != e.ContentHash {
			return fault.Newf(fault.CodeHashMismatch,
				"ledger content hash mismatch at sequence %d", e.Sequence)
		}
		prev = e.ContentHash
	}
	return nil
}
