package metering

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresRecorder implements Recorder over PostgreSQL. Events are
// append-only; there is no update or delete path.
type PostgresRecorder struct {
	db *sql.DB
}

// NewPostgresRecorder wraps an open database handle.
func NewPostgresRecorder(db *sql.DB) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS economic_events (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	resource_units BIGINT NOT NULL,
	cost_units BIGINT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_economic_events_tenant ON economic_events(tenant_id, event_type);
`

// Init creates the table and index.
func (r *PostgresRecorder) Init(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, postgresSchema)
	return err
}

// Record implements Recorder.
func (r *PostgresRecorder) Record(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO economic_events (id, tenant_id, run_id, event_type, resource_units, cost_units, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.ID, event.TenantID, event.RunID, event.EventType,
		event.ResourceUnits, event.CostUnits, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("metering: insert event: %w", err)
	}
	return nil
}

// ForTenant implements Recorder.
func (r *PostgresRecorder) ForTenant(ctx context.Context, tenantID string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, run_id, event_type, resource_units, cost_units, created_at
		FROM economic_events
		WHERE tenant_id = $1
		ORDER BY created_at, id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("metering: query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TenantID, &e.RunID, &e.EventType,
			&e.ResourceUnits, &e.CostUnits, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("metering: scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TotalCost implements Recorder.
func (r *PostgresRecorder) TotalCost(ctx context.Context, tenantID string, eventType EventType) (int64, error) {
	var total sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT SUM(cost_units)
		FROM economic_events
		WHERE tenant_id = $1 AND event_type = $2
	`, tenantID, eventType).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("metering: sum cost: %w", err)
	}
	return total.Int64, nil
}
