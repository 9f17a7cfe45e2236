package store

import (
	"context"
	"sync"

	"github.com/requiemhq/requiem/pkg/envelope"
	"github.com/requiemhq/requiem/pkg/fault"
)

// MemoryDecisions is the in-memory Decisions repository.
type MemoryDecisions struct {
	mu    sync.RWMutex
	byID  map[string]*DecisionRecord
	byRun map[string][]string
}

// NewMemoryDecisions returns an empty decisions repository.
func NewMemoryDecisions() *MemoryDecisions {
	return &MemoryDecisions{
		byID:  make(map[string]*DecisionRecord),
		byRun: make(map[string][]string),
	}
}

func (m *MemoryDecisions) Save(_ context.Context, rec *DecisionRecord) error {
	if rec.ID == "" {
		return fault.New(fault.CodeValidationFailed, "decision record requires an id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[rec.ID]; !ok {
		m.byRun[rec.RunID] = append(m.byRun[rec.RunID], rec.ID)
	}
	cp := *rec
	m.byID[rec.ID] = &cp
	return nil
}

func (m *MemoryDecisions) Get(_ context.Context, id string) (*DecisionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byID[id]
	if !ok {
		return nil, fault.Newf(fault.CodeFileNotFound, "decision %s not found", id)
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryDecisions) ForRun(_ context.Context, runID string) ([]*DecisionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byRun[runID]
	out := make([]*DecisionRecord, 0, len(ids))
	for _, id := range ids {
		cp := *m.byID[id]
		out = append(out, &cp)
	}
	return out, nil
}

// MemoryJunctions is the in-memory Junctions repository.
type MemoryJunctions struct {
	mu    sync.RWMutex
	byID  map[string]*Junction
	byRun map[string][]string
}

// NewMemoryJunctions returns an empty junctions repository.
func NewMemoryJunctions() *MemoryJunctions {
	return &MemoryJunctions{
		byID:  make(map[string]*Junction),
		byRun: make(map[string][]string),
	}
}

func (m *MemoryJunctions) Save(_ context.Context, j *Junction) error {
	if j.ID == "" {
		return fault.New(fault.CodeValidationFailed, "junction requires an id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[j.ID]; ok {
		return fault.Newf(fault.CodeValidationFailed, "junction %s already exists", j.ID)
	}
	m.byRun[j.RunID] = append(m.byRun[j.RunID], j.ID)
	cp := cloneJunction(j)
	m.byID[j.ID] = cp
	return nil
}

func (m *MemoryJunctions) Get(_ context.Context, id string) (*Junction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.byID[id]
	if !ok {
		return nil, fault.Newf(fault.CodeFileNotFound, "junction %s not found", id)
	}
	return cloneJunction(j), nil
}

func (m *MemoryJunctions) Update(_ context.Context, j *Junction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[j.ID]; !ok {
		return fault.Newf(fault.CodeFileNotFound, "junction %s not found", j.ID)
	}
	m.byID[j.ID] = cloneJunction(j)
	return nil
}

func (m *MemoryJunctions) ForRun(_ context.Context, runID string) ([]*Junction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byRun[runID]
	out := make([]*Junction, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneJunction(m.byID[id]))
	}
	return out, nil
}

func cloneJunction(j *Junction) *Junction {
	cp := *j
	cp.Options = append([]string(nil), j.Options...)
	return &cp
}

// MemoryEnvelopes is the in-memory Envelopes repository.
type MemoryEnvelopes struct {
	mu        sync.RWMutex
	byHash    map[string]*envelope.Envelope
	byRequest map[string][]string
	byTenant  map[string][]string
}

// NewMemoryEnvelopes returns an empty envelopes repository.
func NewMemoryEnvelopes() *MemoryEnvelopes {
	return &MemoryEnvelopes{
		byHash:    make(map[string]*envelope.Envelope),
		byRequest: make(map[string][]string),
		byTenant:  make(map[string][]string),
	}
}

func (m *MemoryEnvelopes) Save(_ context.Context, e *envelope.Envelope) error {
	if e.Hash == "" {
		return fault.New(fault.CodeValidationFailed, "envelope must be sealed before save")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byHash[e.Hash]; ok {
		return nil // same content, nothing to do
	}
	cp := *e
	m.byHash[e.Hash] = &cp
	m.byRequest[e.RequestID] = append(m.byRequest[e.RequestID], e.Hash)
	m.byTenant[e.TenantID] = append(m.byTenant[e.TenantID], e.Hash)
	return nil
}

func (m *MemoryEnvelopes) Get(_ context.Context, hash string) (*envelope.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byHash[hash]
	if !ok {
		return nil, fault.Newf(fault.CodeFileNotFound, "envelope %s not found", hash)
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryEnvelopes) ByRequest(_ context.Context, requestID string) ([]*envelope.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(m.byRequest[requestID]), nil
}

func (m *MemoryEnvelopes) ForTenant(_ context.Context, tenantID string) ([]*envelope.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(m.byTenant[tenantID]), nil
}

func (m *MemoryEnvelopes) collect(hashes []string) []*envelope.Envelope {
	out := make([]*envelope.Envelope, 0, len(hashes))
	for _, h := range hashes {
		cp := *m.byHash[h]
		out = append(out, &cp)
	}
	return out
}
