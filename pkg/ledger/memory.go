package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/requiemhq/requiem/pkg/clock"
	"github.com/requiemhq/requiem/pkg/fault"
)

// MemoryLedger is the in-process Ledger. Appends are serialized by a single
// mutex; reads return copies.
type MemoryLedger struct {
	mu       sync.RWMutex
	entries  []Entry
	headHash string
	clock    clock.Clock
}

// NewMemoryLedger returns an empty ledger over the given clock.
func NewMemoryLedger(clk clock.Clock) *MemoryLedger {
	if clk == nil {
		clk = clock.System()
	}
	return &MemoryLedger{headHash: Genesis, clock: clk}
}

// Append implements Ledger.
func (l *MemoryLedger) Append(_ context.Context, tenantID, eventType, description string, metadata map[string]any) (*Entry, error) {
	if tenantID == "" {
		return nil, fault.New(fault.CodeValidationFailed, "ledger entry requires a tenant id")
	}
	if eventType == "" {
		return nil, fault.New(fault.CodeValidationFailed, "ledger entry requires an event type")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Timestamp:   l.clock.NowISO(),
		EventType:   eventType,
		Description: description,
		Metadata:    fault.Sanitize(metadata),
		Sequence:    uint64(len(l.entries)) + 1,
		PrevHash:    l.headHash,
	}
	hash, err := contentHash(entry)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "ledger entry unhashable", err)
	}
	entry.ContentHash = hash

	l.entries = append(l.entries, entry)
	l.headHash = hash

	out := entry
	return &out, nil
}

// Entries implements Ledger.
func (l *MemoryLedger) Entries(_ context.Context, tenantID string) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.entries {
		if tenantID == "" || e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Head returns the current head hash.
func (l *MemoryLedger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

// Verify implements Ledger.
func (l *MemoryLedger) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verifyChain(l.entries)
}
