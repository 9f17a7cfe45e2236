package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/requiemhq/requiem/pkg/canonical"
)

func TestCaptureHashesFirstExistingFile(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "default.policy.json")
	second := filepath.Join(dir, "policy.json")
	require.NoError(t, os.WriteFile(first, []byte(`{"rules":[]}`), 0o644))
	require.NoError(t, os.WriteFile(second, []byte(`{"rules":["other"]}`), 0o644))

	s := NewSnapshotter(first, second)
	hash, err := s.Capture()
	require.NoError(t, err)
	assert.Equal(t, canonical.HashBytes([]byte(`{"rules":[]}`)), hash)
	assert.Equal(t, first, s.Active())
}

func TestCaptureSkipsMissingEntries(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "policy.json")
	require.NoError(t, os.WriteFile(present, []byte(`{}`), 0o644))

	s := NewSnapshotter(filepath.Join(dir, "nope.json"), present)
	hash, err := s.Capture()
	require.NoError(t, err)
	assert.Equal(t, canonical.HashBytes([]byte(`{}`)), hash)
}

func TestCaptureReturnsSentinelWhenNoFileExists(t *testing.T) {
	dir := t.TempDir()
	s := NewSnapshotter(filepath.Join(dir, "a.json"), filepath.Join(dir, "b.json"))

	hash, err := s.Capture()
	require.NoError(t, err)
	assert.Equal(t, canonical.HashBytes([]byte(NoPolicySentinel)), hash)
	assert.Empty(t, s.Active())
}

func TestCaptureIsStableAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"v":1}`), 0o644))

	s := NewSnapshotter(path)
	a, err := s.Capture()
	require.NoError(t, err)
	b, err := s.Capture()
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestSnapshotterDefaultsLookup(t *testing.T) {
	s := NewSnapshotter()
	assert.Equal(t, DefaultLookup, s.Lookup())
}
