package store

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/requiemhq/requiem/pkg/envelope"
	"github.com/requiemhq/requiem/pkg/fault"
)

func TestPostgresEnvelopesInit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS replay_envelopes")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewPostgresEnvelopes(db)
	require.NoError(t, repo.Init(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEnvelopesSave(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := sealed(t, "req-1", "t1", "alpha")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO replay_envelopes")).
		WithArgs(
			e.Hash, e.RequestID, e.TenantID, e.ToolName, e.ToolVersion,
			e.InputFingerprint, e.OutputDigest, e.PolicySnapshotHash,
			e.Deterministic, e.FromCache, e.DurationMs, e.CreatedAt,
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	repo := NewPostgresEnvelopes(db)
	require.NoError(t, repo.Save(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEnvelopesSaveRejectsUnsealed(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresEnvelopes(db)
	saveErr := repo.Save(context.Background(), &envelope.Envelope{})
	assert.True(t, fault.IsCode(saveErr, fault.CodeValidationFailed))
}

func TestPostgresEnvelopesGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := sealed(t, "req-1", "t1", "alpha")
	cols := []string{
		"hash", "request_id", "tenant_id", "tool_name", "tool_version",
		"input_fingerprint", "output_digest", "policy_snapshot_hash",
		"deterministic", "from_cache", "duration_ms", "created_at",
	}
	mock.ExpectQuery(regexp.QuoteMeta("FROM replay_envelopes")).
		WithArgs(e.Hash).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			e.Hash, e.RequestID, e.TenantID, e.ToolName, e.ToolVersion,
			e.InputFingerprint, e.OutputDigest, e.PolicySnapshotHash,
			e.Deterministic, e.FromCache, e.DurationMs, e.CreatedAt,
		))

	repo := NewPostgresEnvelopes(db)
	got, err := repo.Get(context.Background(), e.Hash)
	require.NoError(t, err)
	assert.Equal(t, e.ToolName, got.ToolName)
	assert.Equal(t, e.RequestID, got.RequestID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEnvelopesGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	hash := strings.Repeat("0", 64)
	mock.ExpectQuery(regexp.QuoteMeta("FROM replay_envelopes")).
		WithArgs(hash).
		WillReturnRows(sqlmock.NewRows([]string{"hash"}))

	repo := NewPostgresEnvelopes(db)
	_, getErr := repo.Get(context.Background(), hash)
	assert.True(t, fault.IsCode(getErr, fault.CodeFileNotFound))
}

func TestPostgresEnvelopesByRequest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	a := sealed(t, "req-1", "t1", "alpha")
	b := sealed(t, "req-1", "t1", "beta")
	cols := []string{
		"hash", "request_id", "tenant_id", "tool_name", "tool_version",
		"input_fingerprint", "output_digest", "policy_snapshot_hash",
		"deterministic", "from_cache", "duration_ms", "created_at",
	}
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY position ASC")).
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(a.Hash, a.RequestID, a.TenantID, a.ToolName, a.ToolVersion,
				a.InputFingerprint, a.OutputDigest, a.PolicySnapshotHash,
				a.Deterministic, a.FromCache, a.DurationMs, a.CreatedAt).
			AddRow(b.Hash, b.RequestID, b.TenantID, b.ToolName, b.ToolVersion,
				b.InputFingerprint, b.OutputDigest, b.PolicySnapshotHash,
				b.Deterministic, b.FromCache, b.DurationMs, b.CreatedAt))

	repo := NewPostgresEnvelopes(db)
	got, err := repo.ByRequest(context.Background(), "req-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "alpha", got[0].ToolName)
	assert.Equal(t, "beta", got[1].ToolName)
}
