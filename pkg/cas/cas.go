// Package cas provides content-addressed storage for canonical byte blobs.
// Keys are "blake3:<64 hex>" and every read re-derives the digest, so a blob
// that no longer matches its key is surfaced instead of silently returned.
package cas

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/requiemhq/requiem/pkg/canonical"
	"github.com/requiemhq/requiem/pkg/fault"
)

// KeyPrefix tags every CAS key with the digest algorithm.
const KeyPrefix = "blake3:"

// Store is the contract for content-addressed blob storage.
type Store interface {
	// Put persists data and returns its content key. Writing the same
	// bytes twice is idempotent.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by content key and verifies the digest.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether a blob is stored under the key.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes the blob. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// KeyFor computes the content key for a blob.
func KeyFor(data []byte) string {
	return KeyPrefix + canonical.HashBytes(data)
}

// ParseKey validates a content key and returns its hex digest.
func ParseKey(key string) (string, error) {
	if !strings.HasPrefix(key, KeyPrefix) {
		return "", fault.Newf(fault.CodeValidationFailed, "invalid cas key %q: missing %q prefix", key, KeyPrefix)
	}
	raw := key[len(KeyPrefix):]
	if len(raw) != 64 {
		return "", fault.Newf(fault.CodeValidationFailed, "invalid cas key %q: digest must be 64 hex chars", key)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fault.Wrap(fault.CodeValidationFailed, "invalid cas key "+key, err)
	}
	return raw, nil
}

// verify recomputes the digest of data against the key's digest.
func verify(key string, data []byte) error {
	if KeyFor(data) != key {
		return fault.Newf(fault.CodeCASIntegrityFailed, "cas blob does not match key %s", key)
	}
	return nil
}

func faultNotFound(key string) error {
	return fault.Newf(fault.CodeFileNotFound, "cas blob not found: %s", key)
}

// MemoryStore keeps blobs in process memory. Useful for tests and for
// single-process deployments that replay within one run.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, data []byte) (string, error) {
	key := KeyFor(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		s.blobs[key] = cp
	}
	return key, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	if _, err := ParseKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, faultNotFound(key)
	}
	if err := verify(key, blob); err != nil {
		return nil, err
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	return cp, nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	if _, err := ParseKey(key); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[key]
	return ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	if _, err := ParseKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

// corrupt is a test hook: it overwrites a stored blob without changing its
// key. Only MemoryStore supports it.
func (s *MemoryStore) corrupt(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = data
}
