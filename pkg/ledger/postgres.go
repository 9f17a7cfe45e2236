package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	_ "github.com/lib/pq"

	"github.com/requiemhq/requiem/pkg/clock"
	"github.com/requiemhq/requiem/pkg/fault"
)

// PostgresLedger persists the chain in PostgreSQL. Like the SQLite ledger it
// serializes appends under one in-process mutex and caches the head; in a
// multi-writer deployment the sequence primary key makes a lost race a hard
// insert failure instead of a silent fork.
type PostgresLedger struct {
	mu       sync.Mutex
	db       *sql.DB
	headHash string
	lastSeq  uint64
	clock    clock.Clock
}

// NewPostgresLedger wraps an open handle. Call Init before the first append.
func NewPostgresLedger(db *sql.DB, clk clock.Clock) *PostgresLedger {
	if clk == nil {
		clk = clock.System()
	}
	return &PostgresLedger{db: db, headHash: Genesis, clock: clk}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	sequence BIGINT PRIMARY KEY,
	id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	event_type TEXT NOT NULL,
	description TEXT NOT NULL,
	metadata JSONB,
	content_hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_tenant ON ledger_entries(tenant_id, sequence);
`

// Init creates the table and seeds the cached head from the last row.
func (l *PostgresLedger) Init(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}

	row := l.db.QueryRowContext(ctx,
		`SELECT sequence, content_hash FROM ledger_entries ORDER BY sequence DESC LIMIT 1`)
	var seq uint64
	var head string
	switch err := row.Scan(&seq, &head); err {
	case nil:
		l.lastSeq = seq
		l.headHash = head
		return nil
	case sql.ErrNoRows:
		return nil
	default:
		return fmt.Errorf("ledger: seed head: %w", err)
	}
}

// Append implements Ledger.
func (l *PostgresLedger) Append(ctx context.Context, tenantID, eventType, description string, metadata map[string]any) (*Entry, error) {
	if tenantID == "" {
		return nil, fault.New(fault.CodeValidationFailed, "ledger entry requires a tenant id")
	}
	if eventType == "" {
		return nil, fault.New(fault.CodeValidationFailed, "ledger entry requires an event type")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Timestamp:   l.clock.NowISO(),
		EventType:   eventType,
		Description: description,
		Metadata:    fault.Sanitize(metadata),
		Sequence:    l.lastSeq + 1,
		PrevHash:    l.headHash,
	}
	hash, err := contentHash(entry)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "ledger entry unhashable", err)
	}
	entry.ContentHash = hash

	var metaJSON []byte
	if entry.Metadata != nil {
		metaJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return nil, fault.Wrap(fault.CodeInternal, "ledger metadata marshal", err)
		}
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (sequence, id, tenant_id, timestamp, event_type, description, metadata, content_hash, prev_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.Sequence, entry.ID, entry.TenantID, entry.Timestamp, entry.EventType,
		entry.Description, metaJSON, entry.ContentHash, entry.PrevHash)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "ledger insert", err)
	}

	l.lastSeq = entry.Sequence
	l.headHash = entry.ContentHash

	out := entry
	return &out, nil
}

// Entries implements Ledger.
func (l *PostgresLedger) Entries(ctx context.Context, tenantID string) ([]Entry, error) {
	query := `SELECT sequence, id, tenant_id, timestamp, event_type, description, metadata, content_hash, prev_hash
		FROM ledger_entries`
	args := []any{}
	if tenantID != "" {
		query += ` WHERE tenant_id = $1`
		args = append(args, tenantID)
	}
	query += ` ORDER BY sequence`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var metaJSON []byte
		if err := rows.Scan(&e.Sequence, &e.ID, &e.TenantID, &e.Timestamp,
			&e.EventType, &e.Description, &metaJSON, &e.ContentHash, &e.PrevHash); err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
				return nil, fmt.Errorf("ledger: metadata unmarshal: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Verify implements Ledger.
func (l *PostgresLedger) Verify(ctx context.Context) error {
	entries, err := l.Entries(ctx, "")
	if err != nil {
		return err
	}
	return verifyChain(entries)
}
