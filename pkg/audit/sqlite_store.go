package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/settleline/rtgs/pkg/canonicalize"
)

// SQLiteStore backs the audit log in lite mode (local runs, tests). SQLite
// has no row locks, so appends are serialized with a store-wide mutex.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed audit store. dsn ":memory:" gives
// an ephemeral store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite audit store: %w", err)
	}
	// A single connection keeps :memory: databases alive across calls.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteAuditSchema = `
CREATE TABLE IF NOT EXISTS audit_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	action TEXT NOT NULL,
	payload TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	curr_hash TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_logs_entity
	ON audit_logs (entity_type, entity_id, created_at);
`

func (s *SQLiteStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteAuditSchema)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, entityType, entityID, action, canonical string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := canonicalize.Zero()
	var lastAtRaw string
	err := s.db.QueryRowContext(ctx, `
		SELECT curr_hash, created_at
		FROM audit_logs
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		entityType, entityID,
	).Scan(&prev, &lastAtRaw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := time.Now().UTC()
	if lastAtRaw != "" {
		lastAt, perr := time.Parse(time.RFC3339Nano, lastAtRaw)
		if perr != nil {
			return nil, fmt.Errorf("corrupt created_at in audit chain: %w", perr)
		}
		if !now.After(lastAt) {
			now = lastAt.Add(time.Microsecond)
		}
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

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (entity_type, entity_id, action, payload, prev_hash, curr_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.EntityType, rec.EntityID, rec.Action, rec.Payload, rec.PrevHash, rec.CurrHash,
		rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert audit record: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return rec, nil
}

func (s *SQLiteStore) Chain(ctx context.Context, entityType, entityID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, action, payload, prev_hash, curr_hash, created_at
		FROM audit_logs
		WHERE entity_type = ? AND entity_id = ?
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
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.EntityType, &rec.EntityID, &rec.Action,
			&rec.Payload, &rec.PrevHash, &rec.CurrHash, &createdAt); err != nil {
			return nil, err
		}
		rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("corrupt created_at in audit chain: %w", err)
		}
		chain = append(chain, rec)
	}
	return chain, rows.Err()
}

func (s *SQLiteStore) Entities(ctx context.Context, activeSince *time.Time) ([]EntityRef, error) {
	query := `SELECT DISTINCT entity_type, entity_id FROM audit_logs`
	args := []any{}
	if activeSince != nil {
		query += ` WHERE created_at >= ?`
		args = append(args, activeSince.UTC().Format(time.RFC3339Nano))
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

// DB exposes the underlying handle so tests can simulate tampering.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close releases the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
