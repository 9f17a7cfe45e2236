// Package envelope builds the content-addressed replay envelope persisted
// after every successful tool call. The envelope's own hash covers its
// canonical form minus the hash field, so any later edit is detectable.
package envelope

import (
	"github.com/requiemhq/requiem/pkg/canonical"
	"github.com/requiemhq/requiem/pkg/clock"
	"github.com/requiemhq/requiem/pkg/fault"
)

// Envelope is the persisted record of one tool invocation. Field names
// follow the wire format exactly; requestId identifies the run the
// invocation belongs to.
type Envelope struct {
	CreatedAt          string `json:"createdAt"`
	Deterministic      bool   `json:"deterministic"`
	DurationMs         int64  `json:"duration_ms"`
	FromCache          bool   `json:"from_cache"`
	Hash               string `json:"hash,omitempty"`
	InputFingerprint   string `json:"inputFingerprint"`
	OutputDigest       string `json:"outputDigest"`
	PolicySnapshotHash string `json:"policySnapshotHash"`
	RequestID          string `json:"requestId"`
	TenantID           string `json:"tenantId"`
	ToolName           string `json:"toolName"`
	ToolVersion        string `json:"toolVersion"`
}

// Params carries everything the gate knows at persist time.
type Params struct {
	TenantID           string
	RequestID          string
	ToolName           string
	ToolVersion        string
	InputFingerprint   string
	OutputDigest       string
	PolicySnapshotHash string
	Deterministic      bool
	FromCache          bool
	DurationMs         int64
}

// New assembles a sealed envelope, stamping createdAt from the clock.
func New(clk clock.Clock, p Params) (*Envelope, error) {
	if clk == nil {
		clk = clock.System()
	}
	e := &Envelope{
		CreatedAt:          clk.NowISO(),
		Deterministic:      p.Deterministic,
		DurationMs:         p.DurationMs,
		FromCache:          p.FromCache,
		InputFingerprint:   p.InputFingerprint,
		OutputDigest:       p.OutputDigest,
		PolicySnapshotHash: p.PolicySnapshotHash,
		RequestID:          p.RequestID,
		TenantID:           p.TenantID,
		ToolName:           p.ToolName,
		ToolVersion:        p.ToolVersion,
	}
	if err := e.Seal(); err != nil {
		return nil, err
	}
	return e, nil
}

// ComputeHash hashes the canonical envelope with the hash field cleared.
func (e *Envelope) ComputeHash() (string, error) {
	unsealed := *e
	unsealed.Hash = ""
	h, err := canonical.Hash(unsealed)
	if err != nil {
		return "", fault.Wrap(fault.CodeInternal, "hash envelope", err)
	}
	return h, nil
}

// Seal computes and stores the self-hash.
func (e *Envelope) Seal() error {
	h, err := e.ComputeHash()
	if err != nil {
		return err
	}
	e.Hash = h
	return nil
}

// Verify recomputes the self-hash and fails when the envelope was altered
// after sealing.
func (e *Envelope) Verify() error {
	if e.Hash == "" {
		return fault.New(fault.CodeHashMismatch, "envelope is not sealed")
	}
	h, err := e.ComputeHash()
	if err != nil {
		return err
	}
	if h != e.Hash {
		return fault.Newf(fault.CodeHashMismatch, "envelope hash mismatch: stored %s, computed %s",
			canonical.Short(e.Hash), canonical.Short(h)).
			WithSeverity(fault.SeverityCritical)
	}
	return nil
}

// Canonical returns the canonical persisted bytes of the sealed envelope.
func (e *Envelope) Canonical() ([]byte, error) {
	data, err := canonical.Canonicalize(e)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "canonicalize envelope", err)
	}
	return data, nil
}
