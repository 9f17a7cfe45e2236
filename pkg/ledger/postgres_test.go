package ledger

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresFixture(t *testing.T) (*PostgresLedger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewPostgresLedger(db, seededClock()), mock
}

func TestPostgresInitSeedsFromEmptyTable(t *testing.T) {
	l, mock := newPostgresFixture(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS ledger_entries")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT sequence, content_hash FROM ledger_entries ORDER BY sequence DESC LIMIT 1")).
		WillReturnError(sql.ErrNoRows)

	require.NoError(t, l.Init(context.Background()))
	assert.Equal(t, Genesis, l.headHash)
	assert.Zero(t, l.lastSeq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInitSeedsFromExistingHead(t *testing.T) {
	l, mock := newPostgresFixture(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS ledger_entries")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT sequence, content_hash FROM ledger_entries")).
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "content_hash"}).
			AddRow(int64(7), HashPrefix+"deadbeef"))

	require.NoError(t, l.Init(context.Background()))
	assert.Equal(t, uint64(7), l.lastSeq)
	assert.Equal(t, HashPrefix+"deadbeef", l.headHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendInsertsChainedEntry(t *testing.T) {
	l, mock := newPostgresFixture(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_entries")).
		WithArgs(int64(1), sqlmock.AnyArg(), "t1", "2025-02-01T00:00:00.000Z",
			"tool_invoked", "echo@1.0.0", sqlmock.AnyArg(), sqlmock.AnyArg(), Genesis).
		WillReturnResult(sqlmock.NewResult(0, 1))

	entry, err := l.Append(context.Background(), "t1", "tool_invoked", "echo@1.0.0",
		map[string]any{"tool": "echo"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), entry.Sequence)
	assert.Equal(t, Genesis, entry.PrevHash)
	assert.Equal(t, entry.ContentHash, l.headHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresVerifyReplaysPersistedChain(t *testing.T) {
	ctx := context.Background()

	// Build a genuine chain with the memory ledger, then serve the same
	// rows from the mock: the verifier must accept them.
	mem := NewMemoryLedger(seededClock())
	_, err := mem.Append(ctx, "t1", "run_started", "", nil)
	require.NoError(t, err)
	_, err = mem.Append(ctx, "t1", "run_finished", "", nil)
	require.NoError(t, err)
	chain, err := mem.Entries(ctx, "")
	require.NoError(t, err)

	l, mock := newPostgresFixture(t)
	rows := sqlmock.NewRows([]string{
		"sequence", "id", "tenant_id", "timestamp", "event_type",
		"description", "metadata", "content_hash", "prev_hash",
	})
	for _, e := range chain {
		rows.AddRow(int64(e.Sequence), e.ID, e.TenantID, e.Timestamp, e.EventType,
			e.Description, nil, e.ContentHash, e.PrevHash)
	}
	mock.ExpectQuery(regexp.QuoteMeta("FROM ledger_entries")).
		WillReturnRows(rows)

	require.NoError(t, l.Verify(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendRejectsMissingTenant(t *testing.T) {
	l, mock := newPostgresFixture(t)

	_, err := l.Append(context.Background(), "", "tool_invoked", "", nil)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet(), "no SQL issued for invalid input")
}
