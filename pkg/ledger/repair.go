package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
)

// OrphanCleared is a transfer finalized as CLEARED without the matched
// double-entry pair that every settlement must carry. Such rows cannot be
// produced by the posting path; finding one means the table was mutated
// outside the engine.
type OrphanCleared struct {
	TransferID int64
	MsgID      string
	Amount     decimal.Decimal
}

// FindOrphanCleared scans for CLEARED transfers with no ledger entries.
// Run from the periodic integrity sweep alongside chain verification.
func FindOrphanCleared(ctx context.Context, db *sql.DB) ([]OrphanCleared, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT t.id, t.msg_id, t.amount
		FROM transfers t
		LEFT JOIN ledger_entries e ON e.transfer_id = t.id
		WHERE t.status = 'CLEARED' AND e.id IS NULL
		ORDER BY t.id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var orphans []OrphanCleared
	for rows.Next() {
		var o OrphanCleared
		var amount string
		if err := rows.Scan(&o.TransferID, &o.MsgID, &amount); err != nil {
			return nil, err
		}
		o.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("corrupt amount on transfer %d: %w", o.TransferID, err)
		}
		orphans = append(orphans, o)
	}
	return orphans, rows.Err()
}
