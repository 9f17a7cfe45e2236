package metering

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresRecorderRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	r := NewPostgresRecorder(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO economic_events")).
		WithArgs("ev-1", "t1", "run-1", "execution", int64(0), int64(3), "2024-05-01T10:00:00.000Z").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = r.Record(context.Background(), Event{
		ID:        "ev-1",
		TenantID:  "t1",
		RunID:     "run-1",
		EventType: EventExecution,
		CostUnits: 3,
		CreatedAt: "2024-05-01T10:00:00.000Z",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecorderRejectsInvalid(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	r := NewPostgresRecorder(db)
	err = r.Record(context.Background(), Event{EventType: EventExecution})
	assert.ErrorIs(t, err, ErrEmptyTenantID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecorderTotalCost(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	r := NewPostgresRecorder(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT SUM(cost_units)")).
		WithArgs("t1", "execution").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(17)))

	total, err := r.TotalCost(context.Background(), "t1", EventExecution)
	require.NoError(t, err)
	assert.Equal(t, int64(17), total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecorderForTenant(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	r := NewPostgresRecorder(db)

	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "run_id", "event_type", "resource_units", "cost_units", "created_at",
	}).
		AddRow("ev-1", "t1", "run-1", "execution", int64(0), int64(1), "2024-01-01T00:00:00.000Z").
		AddRow("ev-2", "t1", "run-2", "policy_eval", int64(0), int64(1), "2024-01-01T00:00:01.000Z")

	mock.ExpectQuery(regexp.QuoteMeta("FROM economic_events")).
		WithArgs("t1").
		WillReturnRows(rows)

	events, err := r.ForTenant(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventPolicyEval, events[1].EventType)
	assert.NoError(t, mock.ExpectationsWereMet())
}
