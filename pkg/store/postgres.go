package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/requiemhq/requiem/pkg/envelope"
	"github.com/requiemhq/requiem/pkg/fault"
)

// PostgresEnvelopes is the durable Envelopes repository. Insertion order is
// preserved through a bigserial position column.
type PostgresEnvelopes struct {
	db *sql.DB
}

// NewPostgresEnvelopes wraps an open database handle. The caller owns the
// handle's lifetime.
func NewPostgresEnvelopes(db *sql.DB) *PostgresEnvelopes {
	return &PostgresEnvelopes{db: db}
}

// Init creates the envelopes table if it does not exist.
func (s *PostgresEnvelopes) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS replay_envelopes (
			position BIGSERIAL PRIMARY KEY,
			hash TEXT NOT NULL UNIQUE,
			request_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			tool_version TEXT NOT NULL,
			input_fingerprint TEXT NOT NULL,
			output_digest TEXT NOT NULL,
			policy_snapshot_hash TEXT NOT NULL,
			deterministic BOOLEAN NOT NULL,
			from_cache BOOLEAN NOT NULL,
			duration_ms BIGINT NOT NULL,
			created_at TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("store: create replay_envelopes: %w", err)
	}
	return nil
}

const envelopeColumns = `hash, request_id, tenant_id, tool_name, tool_version,
			input_fingerprint, output_digest, policy_snapshot_hash,
			deterministic, from_cache, duration_ms, created_at`

func (s *PostgresEnvelopes) Save(ctx context.Context, e *envelope.Envelope) error {
	if e.Hash == "" {
		return fault.New(fault.CodeValidationFailed, "envelope must be sealed before save")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO replay_envelopes (`+envelopeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (hash) DO NOTHING`,
		e.Hash, e.RequestID, e.TenantID, e.ToolName, e.ToolVersion,
		e.InputFingerprint, e.OutputDigest, e.PolicySnapshotHash,
		e.Deterministic, e.FromCache, e.DurationMs, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert envelope: %w", err)
	}
	return nil
}

func (s *PostgresEnvelopes) Get(ctx context.Context, hash string) (*envelope.Envelope, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+envelopeColumns+`
		FROM replay_envelopes
		WHERE hash = $1`, hash)
	e, err := scanEnvelope(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.Newf(fault.CodeFileNotFound, "envelope %s not found", hash)
		}
		return nil, fmt.Errorf("store: get envelope: %w", err)
	}
	return e, nil
}

func (s *PostgresEnvelopes) ByRequest(ctx context.Context, requestID string) ([]*envelope.Envelope, error) {
	return s.query(ctx, `
		SELECT `+envelopeColumns+`
		FROM replay_envelopes
		WHERE request_id = $1
		ORDER BY position ASC`, requestID)
}

func (s *PostgresEnvelopes) ForTenant(ctx context.Context, tenantID string) ([]*envelope.Envelope, error) {
	return s.query(ctx, `
		SELECT `+envelopeColumns+`
		FROM replay_envelopes
		WHERE tenant_id = $1
		ORDER BY position ASC`, tenantID)
}

func (s *PostgresEnvelopes) query(ctx context.Context, q string, arg any) ([]*envelope.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, q, arg)
	if err != nil {
		return nil, fmt.Errorf("store: query envelopes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*envelope.Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan envelope: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate envelopes: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row scanner) (*envelope.Envelope, error) {
	var e envelope.Envelope
	err := row.Scan(
		&e.Hash, &e.RequestID, &e.TenantID, &e.ToolName, &e.ToolVersion,
		&e.InputFingerprint, &e.OutputDigest, &e.PolicySnapshotHash,
		&e.Deterministic, &e.FromCache, &e.DurationMs, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
