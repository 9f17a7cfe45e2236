package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"

	"github.com/requiemhq/requiem/pkg/clock"
	"github.com/requiemhq/requiem/pkg/fault"
)

// SQLiteLedger persists the chain in SQLite. Sequence and head hash are
// cached in process and seeded from the table on open; appends stay
// serialized under one mutex, matching the memory ledger's discipline.
type SQLiteLedger struct {
	mu       sync.Mutex
	db       *sql.DB
	headHash string
	lastSeq  uint64
	clock    clock.Clock
}

// OpenSQLiteLedger opens (or creates) a ledger at path. Use ":memory:" for
// an ephemeral database.
func OpenSQLiteLedger(path string, clk clock.Clock) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	return NewSQLiteLedger(db, clk)
}

// NewSQLiteLedger wraps an open handle, migrating and seeding the head.
func NewSQLiteLedger(db *sql.DB, clk clock.Clock) (*SQLiteLedger, error) {
	if clk == nil {
		clk = clock.System()
	}
	l := &SQLiteLedger{db: db, headHash: Genesis, clock: clk}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	if err := l.seedHead(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) migrate() error {
	_, err := l.db.ExecContext(context.Background(), `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		sequence INTEGER PRIMARY KEY,
		id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		event_type TEXT NOT NULL,
		description TEXT NOT NULL,
		metadata JSON,
		content_hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_tenant ON ledger_entries(tenant_id, sequence);
	`)
	if err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) seedHead() error {
	row := l.db.QueryRowContext(context.Background(),
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
func (l *SQLiteLedger) Append(ctx context.Context, tenantID, eventType, description string, metadata map[string]any) (*Entry, error) {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
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
func (l *SQLiteLedger) Entries(ctx context.Context, tenantID string) ([]Entry, error) {
	query := `SELECT sequence, id, tenant_id, timestamp, event_type, description, metadata, content_hash, prev_hash
		FROM ledger_entries`
	args := []any{}
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
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
func (l *SQLiteLedger) Verify(ctx context.Context) error {
	entries, err := l.Entries(ctx, "")
	if err != nil {
		return err
	}
	return verifyChain(entries)
}

// Close releases the database handle.
func (l *SQLiteLedger) Close() error { return l.db.Close() }
