package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id BIGSERIAL PRIMARY KEY,
	iban VARCHAR(34) NOT NULL UNIQUE,
	currency CHAR(3) NOT NULL,
	balance NUMERIC(36,6) NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS transfers (
	id BIGSERIAL PRIMARY KEY,
	msg_id UUID NOT NULL UNIQUE,
	source_account_id BIGINT NOT NULL REFERENCES accounts(id),
	destination_account_id BIGINT NOT NULL REFERENCES accounts(id),
	amount NUMERIC(36,6) NOT NULL CHECK (amount > 0),
	currency CHAR(3) NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id BIGSERIAL PRIMARY KEY,
	transfer_id BIGINT NOT NULL REFERENCES transfers(id),
	account_id BIGINT NOT NULL REFERENCES accounts(id),
	entry_type TEXT NOT NULL CHECK (entry_type IN ('DEBIT', 'CREDIT')),
	amount NUMERIC(36,6) NOT NULL CHECK (amount > 0)
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_transfer ON ledger_entries (transfer_id);
`

// InitSchema creates the settlement tables.
func InitSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, ledgerSchema)
	return err
}

// AccountStore reads and mutates accounts. Stateless; the Querier decides
// the transactional scope.
type AccountStore struct{}

func (AccountStore) ByIBAN(ctx context.Context, q Querier, iban string) (*Account, error) {
	return scanAccount(q.QueryRowContext(ctx,
		`SELECT id, iban, currency, balance FROM accounts WHERE iban = $1`, iban))
}

// LockByID acquires the row-exclusive lock the balance mutation contract
// requires. Callers must lock in ascending id order.
func (AccountStore) LockByID(ctx context.Context, q Querier, id int64) (*Account, error) {
	return scanAccount(q.QueryRowContext(ctx,
		`SELECT id, iban, currency, balance FROM accounts WHERE id = $1 FOR UPDATE`, id))
}

func (AccountStore) SetBalance(ctx context.Context, q Querier, id int64, balance decimal.Decimal) error {
	res, err := q.ExecContext(ctx,
		`UPDATE accounts SET balance = $2 WHERE id = $1`, id, balance.StringFixed(6))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (AccountStore) Create(ctx context.Context, q Querier, iban, currency string, balance decimal.Decimal) (*Account, error) {
	acc := &Account{IBAN: iban, Currency: currency, Balance: balance}
	err := q.QueryRowContext(ctx,
		`INSERT INTO accounts (iban, currency, balance) VALUES ($1, $2, $3) RETURNING id`,
		iban, currency, balance.StringFixed(6),
	).Scan(&acc.ID)
	if err != nil {
		return nil, fmt.Errorf("create account %s: %w", iban, err)
	}
	return acc, nil
}

func scanAccount(row *sql.Row) (*Account, error) {
	var acc Account
	var balance string
	err := row.Scan(&acc.ID, &acc.IBAN, &acc.Currency, &balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	acc.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("corrupt balance on account %d: %w", acc.ID, err)
	}
	return &acc, nil
}

// TransferStore reads and transitions transfers.
type TransferStore struct{}

func (TransferStore) ByMsgID(ctx context.Context, q Querier, msgID string) (*Transfer, error) {
	return scanTransfer(q.QueryRowContext(ctx, transferSelect+` WHERE msg_id = $1`, msgID))
}

func (TransferStore) ByID(ctx context.Context, q Querier, id int64) (*Transfer, error) {
	return scanTransfer(q.QueryRowContext(ctx, transferSelect+` WHERE id = $1`, id))
}

// LockByID takes the transfer row lock; concurrent settlement attempts on
// the same transfer serialize here.
func (TransferStore) LockByID(ctx context.Context, q Querier, id int64) (*Transfer, error) {
	return scanTransfer(q.QueryRowContext(ctx, transferSelect+` WHERE id = $1 FOR UPDATE`, id))
}

func (TransferStore) InsertPending(ctx context.Context, q Querier, req TransferRequest, sourceID, destinationID int64) (*Transfer, error) {
	tr := &Transfer{
		MsgID:                req.MsgID,
		SourceAccountID:      sourceID,
		DestinationAccountID: destinationID,
		Amount:               req.Amount,
		Currency:             req.Currency,
		Status:               StatusPending,
		CreatedAt:            time.Now().UTC(),
	}
	err := q.QueryRowContext(ctx, `
		INSERT INTO transfers (msg_id, source_account_id, destination_account_id, amount, currency, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		tr.MsgID, tr.SourceAccountID, tr.DestinationAccountID,
		tr.Amount.StringFixed(6), tr.Currency, tr.Status, tr.CreatedAt,
	).Scan(&tr.ID)
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// Transition moves a transfer between states with a guard on the expected
// current state; terminal states are immutable by construction.
func (TransferStore) Transition(ctx context.Context, q Querier, id int64, from, to Status) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransfer, from)
	}
	res, err := q.ExecContext(ctx,
		`UPDATE transfers SET status = $3 WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: transfer %d not in state %s", ErrInvalidTransfer, id, from)
	}
	return nil
}

// MarkCleared finalizes a pending transfer.
func (TransferStore) MarkCleared(ctx context.Context, q Querier, id int64, completedAt time.Time) error {
	res, err := q.ExecContext(ctx,
		`UPDATE transfers SET status = $2, completed_at = $3 WHERE id = $1 AND status = $4`,
		id, StatusCleared, completedAt, StatusPending)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: transfer %d not pending", ErrInvalidTransfer, id)
	}
	return nil
}

// MarkRejected terminates a non-terminal transfer.
func (TransferStore) MarkRejected(ctx context.Context, q Querier, id int64, completedAt time.Time) error {
	res, err := q.ExecContext(ctx,
		`UPDATE transfers SET status = $2, completed_at = $3 WHERE id = $1 AND status IN ($4, $5)`,
		id, StatusRejected, completedAt, StatusPending, StatusBlockedAML)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: transfer %d already terminal", ErrInvalidTransfer, id)
	}
	return nil
}

const transferSelect = `
	SELECT id, msg_id, source_account_id, destination_account_id, amount, currency, status, created_at, completed_at
	FROM transfers`

func scanTransfer(row *sql.Row) (*Transfer, error) {
	var tr Transfer
	var amount string
	var completedAt sql.NullTime
	err := row.Scan(&tr.ID, &tr.MsgID, &tr.SourceAccountID, &tr.DestinationAccountID,
		&amount, &tr.Currency, &tr.Status, &tr.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, err
	}
	tr.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt amount on transfer %d: %w", tr.ID, err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		tr.CompletedAt = &t
	}
	return &tr, nil
}

// EntryStore writes double-entry movements.
type EntryStore struct{}

// InsertPair writes the matched DEBIT/CREDIT for one transfer.
func (EntryStore) InsertPair(ctx context.Context, q Querier, transferID, sourceID, destinationID int64, amount decimal.Decimal) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_entries (transfer_id, account_id, entry_type, amount)
		VALUES ($1, $2, $3, $5), ($1, $4, $6, $5)`,
		transferID, sourceID, EntryDebit, destinationID, amount.StringFixed(6), EntryCredit)
	return err
}

// ZeroSum re-queries Σ credits − Σ debits for a transfer. The posting path
// aborts on any non-zero result.
func (EntryStore) ZeroSum(ctx context.Context, q Querier, transferID int64) (decimal.Decimal, error) {
	var sum string
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN entry_type = 'CREDIT' THEN amount ELSE -amount END), 0)
		FROM ledger_entries
		WHERE transfer_id = $1`,
		transferID,
	).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(sum)
}

// ByTransfer lists the movements of one transfer.
func (EntryStore) ByTransfer(ctx context.Context, q Querier, transferID int64) ([]Entry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, transfer_id, account_id, entry_type, amount
		FROM ledger_entries
		WHERE transfer_id = $1
		ORDER BY id ASC`,
		transferID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var amount string
		if err := rows.Scan(&e.ID, &e.TransferID, &e.AccountID, &e.Type, &amount); err != nil {
			return nil, err
		}
		e.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("corrupt amount on entry %d: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
