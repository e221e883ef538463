package sanctions

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists the sanctions set. The trigram index on
// normalized_name backs the SimilarTo fallback.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed sanctions store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pgSanctionsSchema = `
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE TABLE IF NOT EXISTS sanctions (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	normalized_name TEXT NOT NULL,
	source TEXT NOT NULL,
	risk_score INT NOT NULL DEFAULT 50,
	UNIQUE (normalized_name, source)
);

CREATE INDEX IF NOT EXISTS idx_sanctions_normalized_trgm
	ON sanctions USING gin (normalized_name gin_trgm_ops);
`

func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgSanctionsSchema)
	return err
}

func (s *PostgresStore) HighRisk(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, normalized_name, source, risk_score
		FROM sanctions
		WHERE risk_score >= $1 OR source IN ($2, $3)`,
		highRiskScore, SourceOFAC, SourceUN,
	)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (s *PostgresStore) SimilarTo(ctx context.Context, normalized string, minSimilarity float64) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, normalized_name, source, risk_score
		FROM sanctions
		WHERE similarity(normalized_name, $1) >= $2`,
		normalized, minSimilarity,
	)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// Upsert inserts or refreshes entries on the (normalized_name, source)
// deduplication key and returns the number of rows written.
func (s *PostgresStore) Upsert(ctx context.Context, entries []Entry) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	written := 0
	for _, e := range entries {
		normalized := Normalize(e.Name)
		if normalized == "" {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sanctions (name, normalized_name, source, risk_score)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (normalized_name, source) DO UPDATE
			SET name = EXCLUDED.name,
			    risk_score = GREATEST(sanctions.risk_score, EXCLUDED.risk_score)`,
			e.Name, normalized, e.Source, e.RiskScore,
		)
		if err != nil {
			return 0, fmt.Errorf("upsert sanction %q: %w", e.Name, err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return written, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Name, &e.NormalizedName, &e.Source, &e.RiskScore); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
