package cas

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/requiemhq/requiem/pkg/fault"
)

func TestKeyForAndParseKey(t *testing.T) {
	key := KeyFor([]byte("hello"))
	assert.True(t, len(key) == len(KeyPrefix)+64)

	digest, err := ParseKey(key)
	require.NoError(t, err)
	assert.Len(t, digest, 64)

	_, err = ParseKey("sha256:abcd")
	assert.True(t, fault.IsCode(err, fault.CodeValidationFailed))

	_, err = ParseKey(KeyPrefix + "zz")
	assert.True(t, fault.IsCode(err, fault.CodeValidationFailed))
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	key, err := s.Put(ctx, []byte(`{"a":1}`))
	require.NoError(t, err)

	again, err := s.Put(ctx, []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, key, again)

	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), data)

	require.NoError(t, s.Delete(ctx, key))
	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, key)
	assert.True(t, fault.IsCode(err, fault.CodeFileNotFound))
}

func TestMemoryStoreDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	key, err := s.Put(ctx, []byte("original"))
	require.NoError(t, err)

	s.corrupt(key, []byte("tampered"))

	_, err = s.Get(ctx, key)
	assert.True(t, fault.IsCode(err, fault.CodeCASIntegrityFailed))
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	key, err := s.Put(ctx, []byte("blob-bytes"))
	require.NoError(t, err)

	data, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("blob-bytes"), data)

	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, key))
	_, err = s.Get(ctx, key)
	assert.True(t, fault.IsCode(err, fault.CodeFileNotFound))

	require.NoError(t, s.Delete(ctx, key))
}

func TestFileStoreDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	key, err := s.Put(ctx, []byte("intact"))
	require.NoError(t, err)

	digest, err := ParseKey(key)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, digest+".blob"), []byte("swapped"), 0o644))

	_, err = s.Get(ctx, key)
	assert.True(t, fault.IsCode(err, fault.CodeCASIntegrityFailed))
}

func TestFileStorePutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	k1, err := s.Put(ctx, []byte("same"))
	require.NoError(t, err)
	k2, err := s.Put(ctx, []byte("same"))
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestNewStoreFromEnvDefaultsToMemory(t *testing.T) {
	t.Setenv("REQUIEM_CAS_BACKEND", "")
	s, err := NewStoreFromEnv(context.Background())
	require.NoError(t, err)
	_, ok := s.(*MemoryStore)
	assert.True(t, ok)
}

func TestNewStoreFromEnvFileBackend(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("REQUIEM_CAS_BACKEND", "file")
	t.Setenv("REQUIEM_CAS_DIR", dir)

	s, err := NewStoreFromEnv(context.Background())
	require.NoError(t, err)
	_, ok := s.(*FileStore)
	assert.True(t, ok)
}

func TestNewStoreFromEnvRejectsUnknownBackend(t *testing.T) {
	t.Setenv("REQUIEM_CAS_BACKEND", "tape")
	_, err := NewStoreFromEnv(context.Background())
	assert.Error(t, err)
}
