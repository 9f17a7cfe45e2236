package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteAppendAndVerify(t *testing.T) {
	ctx := context.Background()
	l, err := OpenSQLiteLedger(":memory:", seededClock())
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	first, err := l.Append(ctx, "t1", "run_started", "run r1", map[string]any{"run": "r1"})
	require.NoError(t, err)
	second, err := l.Append(ctx, "t1", "run_finished", "run r1", nil)
	require.NoError(t, err)

	assert.Equal(t, Genesis, first.PrevHash)
	assert.Equal(t, first.ContentHash, second.PrevHash)

	entries, err := l.Entries(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "run_started", entries[0].EventType)
	assert.Equal(t, "r1", entries[0].Metadata["run"])

	require.NoError(t, l.Verify(ctx))
}

func TestSQLiteSeedsHeadAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	l, err := OpenSQLiteLedger(path, seededClock())
	require.NoError(t, err)
	first, err := l.Append(ctx, "t1", "run_started", "", nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened, err := OpenSQLiteLedger(path, seededClock())
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	second, err := reopened.Append(ctx, "t1", "run_finished", "", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, first.ContentHash, second.PrevHash, "head survives process restarts")

	require.NoError(t, reopened.Verify(ctx))
}

func TestSQLiteEmptyLedgerVerifies(t *testing.T) {
	l, err := OpenSQLiteLedger(":memory:", seededClock())
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	require.NoError(t, l.Verify(context.Background()))
}
