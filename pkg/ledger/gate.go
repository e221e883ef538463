package ledger

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Gate is the pre-engine idempotency check: a Redis cache of recently seen
// msg_ids in front of the transfers table. The cache is advisory; a miss or
// a cache outage falls through to the database, and the unique index inside
// the posting transaction remains the authoritative dedupe.
type Gate struct {
	rdb       redis.UniversalClient
	db        *sql.DB
	transfers TransferStore
	ttl       time.Duration
	logger    *slog.Logger
}

// NewGate creates a gate. rdb may be nil, in which case every check goes to
// the database.
func NewGate(rdb redis.UniversalClient, db *sql.DB, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Gate{
		rdb:    rdb,
		db:     db,
		ttl:    ttl,
		logger: slog.Default().With("component", "idempotency_gate"),
	}
}

const gateKeyPrefix = "rtgs:msg:"

// Seen reports whether msgID has already been admitted, returning the
// existing transfer when one exists.
func (g *Gate) Seen(ctx context.Context, msgID string) (*Transfer, bool, error) {
	if g.rdb != nil {
		n, err := g.rdb.Exists(ctx, gateKeyPrefix+msgID).Result()
		if err != nil {
			// Degrade to the database; the cache is an optimization.
			g.logger.WarnContext(ctx, "cache lookup failed, falling back to database",
				"msg_id", msgID, "error", err)
		} else if n == 0 {
			return nil, false, nil
		}
	}

	tr, err := g.transfers.ByMsgID(ctx, g.db, msgID)
	if errors.Is(err, ErrTransferNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return tr, true, nil
}

// Admit records msgID in the cache after the engine accepted it. Best
// effort; a cache failure is logged and dropped.
func (g *Gate) Admit(ctx context.Context, msgID string) {
	if g.rdb == nil {
		return
	}
	if err := g.rdb.Set(ctx, gateKeyPrefix+msgID, 1, g.ttl).Err(); err != nil {
		g.logger.WarnContext(ctx, "cache admit failed", "msg_id", msgID, "error", err)
	}
}
