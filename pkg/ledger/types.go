// Package ledger implements the settlement engine: the account/transfer/
// entry model, the transactional double-entry posting path with
// deadlock-avoiding lock ordering, and the idempotency gate.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the transfer lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusBlockedAML Status = "BLOCKED_AML"
	StatusCleared    Status = "CLEARED"
	StatusRejected   Status = "REJECTED"
)

// Terminal reports whether a status forbids further mutation.
func (s Status) Terminal() bool {
	return s == StatusCleared || s == StatusRejected
}

// EntryType is the side of a ledger movement.
type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// Account is a settlement account. Currency is immutable after creation;
// the balance is mutated only under the row-exclusive lock taken by the
// posting path.
type Account struct {
	ID       int64           `json:"id"`
	IBAN     string          `json:"iban"`
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
}

// Transfer is one settlement instruction, externally identified by MsgID.
type Transfer struct {
	ID                   int64           `json:"id"`
	MsgID                string          `json:"msg_id"`
	SourceAccountID      int64           `json:"source_account_id"`
	DestinationAccountID int64           `json:"destination_account_id"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	Status               Status          `json:"status"`
	CreatedAt            time.Time       `json:"created_at"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
}

// Entry is one side of a double-entry movement. For every transfer,
// Σ credits − Σ debits = 0.
type Entry struct {
	ID         int64           `json:"id"`
	TransferID int64           `json:"transfer_id"`
	AccountID  int64           `json:"account_id"`
	Type       EntryType       `json:"entry_type"`
	Amount     decimal.Decimal `json:"amount"`
}

// TransferRequest is the projection of an inbound pacs.008 the engine
// settles.
type TransferRequest struct {
	MsgID           string
	SourceIBAN      string
	DestinationIBAN string
	Amount          decimal.Decimal
	Currency        string
	EndToEndID      string
}

// Response is the engine's answer for a posting attempt.
type Response struct {
	Transfer  Transfer
	Duplicate bool
}

// Error kinds surfaced by the engine.
var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrTransferNotFound  = errors.New("transfer not found")
	ErrInvalidTransfer   = errors.New("invalid transfer")
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrAtomicityBreach means the zero-sum re-check failed inside the
	// posting transaction. Never retried.
	ErrAtomicityBreach = errors.New("atomicity breach: ledger entries do not sum to zero")
)

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx, so
// store methods run inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
