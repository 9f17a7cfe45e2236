package cas

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore is a filesystem-backed Store. Blobs are written to a temp file
// and renamed into place so readers never observe partial writes.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a CAS store rooted at baseDir, creating it if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("cas: ensure dir %s: %w", baseDir, err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(digest string) string {
	return filepath.Join(s.baseDir, digest+".blob")
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	key := KeyFor(data)
	digest := key[len(KeyPrefix):]

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(digest)
	if _, err := os.Stat(path); err == nil {
		return key, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("cas: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("cas: commit blob: %w", err)
	}
	return key, nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	digest, err := ParseKey(key)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	data, readErr := os.ReadFile(s.path(digest))
	s.mu.RUnlock()
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return nil, faultNotFound(key)
		}
		return nil, fmt.Errorf("cas: read blob: %w", readErr)
	}
	if err := verify(key, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, key string) (bool, error) {
	digest, err := ParseKey(key)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, statErr := os.Stat(s.path(digest))
	if statErr == nil {
		return true, nil
	}
	if os.IsNotExist(statErr) {
		return false, nil
	}
	return false, fmt.Errorf("cas: stat blob: %w", statErr)
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	digest, err := ParseKey(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(digest)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cas: delete blob: %w", err)
	}
	return nil
}
