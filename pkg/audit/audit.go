// Package audit implements the tamper-evident audit trail: append-only
// records hash-chained per (entity_type, entity_id), with replay
// verification and a scheduled integrity sweep.
//
// Appends run in their own transactional scope, never enlisted in a business
// transaction: a rolled-back posting still leaves its attempt on the trail,
// and a failed append never unwinds a settlement.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/settleline/rtgs/pkg/canonicalize"
)

var (
	// ErrAppendFailed wraps storage failures on append. Callers may log it
	// but must not retry with the same prev link: forked chains are worse
	// than a missing record.
	ErrAppendFailed = errors.New("audit append failed")
	// ErrChainNotFound is returned by Verify for an entity with no records.
	ErrChainNotFound = errors.New("audit chain not found")
)

// Record is a single immutable entry in an entity's hash chain.
type Record struct {
	ID         int64     `json:"id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	Payload    string    `json:"payload"` // canonical JSON
	PrevHash   string    `json:"prev_hash"`
	CurrHash   string    `json:"curr_hash"`
	CreatedAt  time.Time `json:"created_at"`
}

// EntityRef identifies one chain.
type EntityRef struct {
	EntityType string
	EntityID   string
}

// Store persists chained records. Append must serialize writers on the same
// entity (row lock on the latest record, or an exclusive store mutex) and
// must keep created_at strictly monotonic within a chain.
type Store interface {
	Init(ctx context.Context) error
	Append(ctx context.Context, entityType, entityID, action, canonical string) (*Record, error)
	Chain(ctx context.Context, entityType, entityID string) ([]Record, error)
	// Entities lists chains; activeSince nil means all chains, otherwise
	// only those with a record at or after the given instant.
	Entities(ctx context.Context, activeSince *time.Time) ([]EntityRef, error)
}

// Log is the audit log facade over a Store.
type Log struct {
	store    Store
	handlers []func(*Record)
	logger   *slog.Logger
}

// NewLog creates an audit log over the given store.
func NewLog(store Store) *Log {
	return &Log{
		store:  store,
		logger: slog.Default().With("component", "audit"),
	}
}

// AddHandler registers an observer invoked after every successful append,
// synchronously on the appending goroutine. Register handlers during wiring,
// before the log sees traffic.
func (l *Log) AddHandler(fn func(*Record)) {
	l.handlers = append(l.handlers, fn)
}

// Append canonicalizes payload, links it to the entity's chain head and
// inserts the record.
func (l *Log) Append(ctx context.Context, entityType, entityID, action string, payload map[string]any) (*Record, error) {
	canonical, err := canonicalize.Canonicalize(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAppendFailed, err)
	}

	rec, err := l.store.Append(ctx, entityType, entityID, action, canonical)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAppendFailed, err)
	}

	for _, fn := range l.handlers {
		fn(rec)
	}
	l.logger.DebugContext(ctx, "audit record appended",
		"entity_type", entityType, "entity_id", entityID, "action", action, "hash", rec.CurrHash)
	return rec, nil
}

// Verify re-walks the entity's chain chronologically and recomputes every
// link. It returns false on the first mismatch.
func (l *Log) Verify(ctx context.Context, entityType, entityID string) (bool, error) {
	chain, err := l.store.Chain(ctx, entityType, entityID)
	if err != nil {
		return false, err
	}
	if len(chain) == 0 {
		return false, ErrChainNotFound
	}

	prev := canonicalize.Zero()
	for _, rec := range chain {
		if rec.PrevHash != prev {
			return false, nil
		}
		if canonicalize.Link(rec.Payload, rec.PrevHash) != rec.CurrHash {
			return false, nil
		}
		prev = rec.CurrHash
	}
	return true, nil
}

// Chain exposes the raw records of one entity, oldest first.
func (l *Log) Chain(ctx context.Context, entityType, entityID string) ([]Record, error) {
	return l.store.Chain(ctx, entityType, entityID)
}

// Entities lists chains known to the store.
func (l *Log) Entities(ctx context.Context, activeSince *time.Time) ([]EntityRef, error) {
	return l.store.Entities(ctx, activeSince)
}
