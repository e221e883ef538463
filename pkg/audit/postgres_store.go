package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/settleline/rtgs/pkg/canonicalize"
)

// PostgresStore is the durable production store for audit chains.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pgAuditSchema = `
CREATE TABLE IF NOT EXISTS audit_logs (
	id BIGSERIAL PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	action TEXT NOT NULL,
	payload TEXT NOT NULL,
	prev_hash CHAR(64) NOT NULL,
	curr_hash CHAR(64) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_logs_entity
	ON audit_logs (entity_type, entity_id, created_at);
`

func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgAuditSchema)
	return err
}

// Append links and inserts a record in its own transaction. An advisory
// transaction lock on the entity serializes concurrent writers; the head
// FOR UPDATE alone has no row to lock when two first appends race, which
// would fork the chain at the zero hash.
func (s *PostgresStore) Append(ctx context.Context, entityType, entityID, action, canonical string) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1 || ':' || $2))`,
		entityType, entityID,
	); err != nil {
		return nil, err
	}

	prev := canonicalize.Zero()
	var lastAt time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT curr_hash, created_at
		FROM audit_logs
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
		FOR UPDATE`,
		entityType, entityID,
	).Scan(&prev, &lastAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := time.Now().UTC()
	// created_at is monotonic within a chain.
	if !lastAt.IsZero() && !now.After(lastAt) {
		now = lastAt.Add(time.Microsecond)
	}

	rec := &Record{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Payload:    canonical,
		PrevHash:   prev,
		CurrHash:   canonicalize.Link(canonical, prev),
		CreatedAt:  now,
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO audit_logs (entity_type, entity_id, action, payload, prev_hash, curr_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		rec.EntityType, rec.EntityID, rec.Action, rec.Payload, rec.PrevHash, rec.CurrHash, rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		return nil, fmt.Errorf("insert audit record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *PostgresStore) Chain(ctx context.Context, entityType, entityID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, action, payload, prev_hash, curr_hash, created_at
		FROM audit_logs
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at ASC, id ASC`,
		entityType, entityID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chain []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.EntityType, &rec.EntityID, &rec.Action,
			&rec.Payload, &rec.PrevHash, &rec.CurrHash, &rec.CreatedAt); err != nil {
			return nil, err
		}
		chain = append(chain, rec)
	}
	return chain, rows.Err()
}

func (s *PostgresStore) Entities(ctx context.Context, activeSince *time.Time) ([]EntityRef, error) {
	query := `SELECT DISTINCT entity_type, entity_id FROM audit_logs`
	args := []any{}
	if activeSince != nil {
		query += ` WHERE created_at >= $1`
		args = append(args, *activeSince)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var refs []EntityRef
	for rows.Next() {
		var ref EntityRef
		if err := rows.Scan(&ref.EntityType, &ref.EntityID); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
