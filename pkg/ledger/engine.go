package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/lib/pq"

	"github.com/settleline/rtgs/pkg/audit"
	"github.com/settleline/rtgs/pkg/events"
	"github.com/settleline/rtgs/pkg/observability"
)

// Publisher receives committed transfer transitions. Invoked only after the
// enclosing transaction committed.
type Publisher interface {
	Publish(ev events.TransferEvent)
}

// EngineConfig carries the posting configuration surface.
type EngineConfig struct {
	TransactionTimeout  time.Duration // default 30s
	RetryAttempts       int           // default 3
	RetryInitialBackoff time.Duration // default 100ms
	RetryMultiplier     float64       // default 2
}

// DefaultEngineConfig returns the documented defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		TransactionTimeout:  30 * time.Second,
		RetryAttempts:       3,
		RetryInitialBackoff: 100 * time.Millisecond,
		RetryMultiplier:     2,
	}
}

// Engine is the transactional double-entry posting engine.
//
// Every settlement runs all-or-nothing in one database transaction, with
// pessimistic account locks taken in ascending id order (the canonical order
// that removes the two-account deadlock) and a zero-sum re-check before the
// balances move. Serialization conflicts retry with exponential backoff;
// everything else fails once.
type Engine struct {
	db        *sql.DB
	accounts  AccountStore
	transfers TransferStore
	entries   EntryStore
	auditLog  *audit.Log
	publisher Publisher
	obs       *observability.Provider
	cfg       EngineConfig
	logger    *slog.Logger
}

// NewEngine creates a posting engine. publisher and obs may be nil.
func NewEngine(db *sql.DB, auditLog *audit.Log, publisher Publisher, obs *observability.Provider, cfg EngineConfig) *Engine {
	if cfg.TransactionTimeout <= 0 {
		cfg = DefaultEngineConfig()
	}
	return &Engine{
		db:        db,
		auditLog:  auditLog,
		publisher: publisher,
		obs:       obs,
		cfg:       cfg,
		logger:    slog.Default().With("component", "ledger_engine"),
	}
}

// DB exposes the handle for collaborators sharing the pool (screening, gate).
func (e *Engine) DB() *sql.DB {
	return e.db
}

// Post settles a transfer request end to end: idempotency read, validation,
// pending insert, locked double-entry posting, finalization, post-commit
// publication.
func (e *Engine) Post(ctx context.Context, req TransferRequest, actor string) (*Response, error) {
	// Step 1: idempotency read. The authoritative check is the insert below;
	// this read answers the common replay cheaply.
	existing, err := e.transfers.ByMsgID(ctx, e.db, req.MsgID)
	if err == nil {
		e.auditTransfer(ctx, existing.ID, "DUPLICATE_ATTEMPT", map[string]any{
			"msg_id": req.MsgID,
			"status": string(existing.Status),
			"actor":  actor,
		})
		e.recordDuplicate(ctx)
		return &Response{Transfer: *existing, Duplicate: true}, nil
	}
	if !errors.Is(err, ErrTransferNotFound) {
		return nil, err
	}

	return e.withRetry(ctx, func() (*Response, error) {
		return e.postOnce(ctx, req, actor)
	})
}

// Prepare validates and records a transfer as PENDING without settling it,
// for callers that screen compliance between intake and posting.
func (e *Engine) Prepare(ctx context.Context, req TransferRequest, actor string) (*Response, error) {
	existing, err := e.transfers.ByMsgID(ctx, e.db, req.MsgID)
	if err == nil {
		e.auditTransfer(ctx, existing.ID, "DUPLICATE_ATTEMPT", map[string]any{
			"msg_id": req.MsgID,
			"status": string(existing.Status),
			"actor":  actor,
		})
		e.recordDuplicate(ctx)
		return &Response{Transfer: *existing, Duplicate: true}, nil
	}
	if !errors.Is(err, ErrTransferNotFound) {
		return nil, err
	}

	return e.withRetry(ctx, func() (*Response, error) {
		return e.prepareOnce(ctx, req, actor)
	})
}

// PostPrepared settles a transfer that is already PENDING: the pipeline
// path after a compliance clear, and the manual-approval path after a
// reviewer moved it back from BLOCKED_AML.
func (e *Engine) PostPrepared(ctx context.Context, transferID int64, actor string) (*Response, error) {
	return e.withRetry(ctx, func() (*Response, error) {
		return e.postPreparedOnce(ctx, transferID, actor)
	})
}

// Reject terminates a non-terminal transfer and publishes the transition.
func (e *Engine) Reject(ctx context.Context, transferID int64, reason, actor string) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	tr, err := e.transfers.LockByID(ctx, tx, transferID)
	if err != nil {
		return err
	}
	if err := e.transfers.MarkRejected(ctx, tx, transferID, time.Now().UTC()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	e.auditTransfer(ctx, transferID, "REJECTED", map[string]any{
		"msg_id": tr.MsgID,
		"reason": reason,
		"actor":  actor,
	})
	e.recordRejected(ctx)
	tr.Status = StatusRejected
	e.publishCommitted(ctx, tr)
	return nil
}

// GetTransfer reads one transfer.
func (e *Engine) GetTransfer(ctx context.Context, transferID int64) (*Transfer, error) {
	return e.transfers.ByID(ctx, e.db, transferID)
}

func (e *Engine) postOnce(parent context.Context, req TransferRequest, actor string) (*Response, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, e.cfg.TransactionTimeout)
	defer cancel()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, e.classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	src, dst, err := e.lookupAccounts(ctx, tx, req)
	if err != nil {
		return nil, err
	}

	// Step 3: insert pending; the unique index on msg_id resolves the
	// read-then-insert race.
	tr, err := e.transfers.InsertPending(ctx, tx, req, src.ID, dst.ID)
	if err != nil {
		if isUniqueViolation(err) {
			_ = tx.Rollback()
			existing, err2 := e.transfers.ByMsgID(parent, e.db, req.MsgID)
			if err2 == nil {
				e.auditTransfer(parent, existing.ID, "DUPLICATE_RACE", map[string]any{
					"msg_id": req.MsgID,
					"status": string(existing.Status),
					"actor":  actor,
				})
				e.recordDuplicate(parent)
				return &Response{Transfer: *existing, Duplicate: true}, nil
			}
			// Concurrent insert not yet visible: retryable conflict.
			return nil, err
		}
		return nil, e.classify(err)
	}

	cleared, err := e.settleLocked(ctx, tx, tr, actor)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, e.classify(err)
	}
	e.recordSettled(parent, start)

	// Step 10: post-commit only.
	e.publishCommitted(parent, cleared)
	return &Response{Transfer: *cleared}, nil
}

func (e *Engine) prepareOnce(parent context.Context, req TransferRequest, actor string) (*Response, error) {
	ctx, cancel := context.WithTimeout(parent, e.cfg.TransactionTimeout)
	defer cancel()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, e.classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	src, dst, err := e.lookupAccounts(ctx, tx, req)
	if err != nil {
		return nil, err
	}

	tr, err := e.transfers.InsertPending(ctx, tx, req, src.ID, dst.ID)
	if err != nil {
		if isUniqueViolation(err) {
			_ = tx.Rollback()
			existing, err2 := e.transfers.ByMsgID(parent, e.db, req.MsgID)
			if err2 == nil {
				e.auditTransfer(parent, existing.ID, "DUPLICATE_RACE", map[string]any{
					"msg_id": req.MsgID,
					"status": string(existing.Status),
					"actor":  actor,
				})
				e.recordDuplicate(parent)
				return &Response{Transfer: *existing, Duplicate: true}, nil
			}
			return nil, err
		}
		return nil, e.classify(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, e.classify(err)
	}
	return &Response{Transfer: *tr}, nil
}

func (e *Engine) postPreparedOnce(parent context.Context, transferID int64, actor string) (*Response, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, e.cfg.TransactionTimeout)
	defer cancel()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, e.classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	tr, err := e.transfers.LockByID(ctx, tx, transferID)
	if err != nil {
		return nil, e.classify(err)
	}
	switch tr.Status {
	case StatusPending:
		// proceed
	case StatusCleared:
		e.recordDuplicate(ctx)
		return &Response{Transfer: *tr, Duplicate: true}, nil
	default:
		return nil, backoff.Permanent(fmt.Errorf(
			"%w: transfer %d in state %s cannot be posted", ErrInvalidTransfer, transferID, tr.Status))
	}

	cleared, err := e.settleLocked(ctx, tx, tr, actor)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, e.classify(err)
	}
	e.recordSettled(parent, start)

	e.publishCommitted(parent, cleared)
	return &Response{Transfer: *cleared}, nil
}

// lookupAccounts resolves and validates both sides without taking locks.
func (e *Engine) lookupAccounts(ctx context.Context, tx *sql.Tx, req TransferRequest) (*Account, *Account, error) {
	src, err := e.accounts.ByIBAN(ctx, tx, req.SourceIBAN)
	if err != nil {
		return nil, nil, e.permanentLookup(err, req.SourceIBAN)
	}
	dst, err := e.accounts.ByIBAN(ctx, tx, req.DestinationIBAN)
	if err != nil {
		return nil, nil, e.permanentLookup(err, req.DestinationIBAN)
	}
	if src.ID == dst.ID {
		// A self-transfer would take one lock twice and let the second
		// balance write clobber the first, inflating the account.
		return nil, nil, backoff.Permanent(fmt.Errorf(
			"%w: source and destination resolve to the same account %s",
			ErrInvalidTransfer, src.IBAN))
	}
	if src.Currency != req.Currency || dst.Currency != req.Currency {
		return nil, nil, backoff.Permanent(fmt.Errorf(
			"%w: currency %s does not match accounts (%s, %s)",
			ErrInvalidTransfer, req.Currency, src.Currency, dst.Currency))
	}
	if !req.Amount.IsPositive() {
		return nil, nil, backoff.Permanent(fmt.Errorf("%w: amount must be positive", ErrInvalidTransfer))
	}
	return src, dst, nil
}

// settleLocked runs the locked middle of the posting contract inside tx:
// ordered account locks, funds check, entry pair with zero-sum re-check,
// balance moves, finalization, settlement audit.
func (e *Engine) settleLocked(ctx context.Context, tx *sql.Tx, tr *Transfer, actor string) (*Transfer, error) {
	// Guards rows created before intake validation rejected self-transfers.
	if tr.SourceAccountID == tr.DestinationAccountID {
		return nil, backoff.Permanent(fmt.Errorf(
			"%w: transfer %d debits and credits the same account",
			ErrInvalidTransfer, tr.ID))
	}

	// Step 4: pessimistic locks in canonical order, lower account id first.
	firstID, secondID := tr.SourceAccountID, tr.DestinationAccountID
	if secondID < firstID {
		firstID, secondID = secondID, firstID
	}
	first, err := e.accounts.LockByID(ctx, tx, firstID)
	if err != nil {
		return nil, e.classify(err)
	}
	second, err := e.accounts.LockByID(ctx, tx, secondID)
	if err != nil {
		return nil, e.classify(err)
	}

	// Re-bind source/destination from the locked rows.
	src, dst := first, second
	if src.ID != tr.SourceAccountID {
		src, dst = second, first
	}

	// Step 5: funds check on the locked source.
	if src.Balance.LessThan(tr.Amount) {
		e.auditTransfer(ctx, tr.ID, "INSUFFICIENT_FUNDS", map[string]any{
			"msg_id":  tr.MsgID,
			"iban":    src.IBAN,
			"balance": src.Balance.StringFixed(6),
			"amount":  tr.Amount.StringFixed(6),
			"actor":   actor,
		})
		return nil, backoff.Permanent(fmt.Errorf(
			"%w: account %s holds %s, needs %s",
			ErrInsufficientFunds, src.IBAN, src.Balance, tr.Amount))
	}

	// Step 6: matched entries, then re-query the zero-sum invariant.
	if err := e.entries.InsertPair(ctx, tx, tr.ID, src.ID, dst.ID, tr.Amount); err != nil {
		return nil, e.classify(err)
	}
	sum, err := e.entries.ZeroSum(ctx, tx, tr.ID)
	if err != nil {
		return nil, e.classify(err)
	}
	if !sum.IsZero() {
		e.auditTransfer(ctx, tr.ID, "ATOMICITY_BREACH", map[string]any{
			"msg_id":   tr.MsgID,
			"sum":      sum.StringFixed(6),
			"severity": "FATAL",
		})
		return nil, backoff.Permanent(ErrAtomicityBreach)
	}

	// Step 7: move the balances.
	if err := e.accounts.SetBalance(ctx, tx, src.ID, src.Balance.Sub(tr.Amount)); err != nil {
		return nil, e.classify(err)
	}
	if err := e.accounts.SetBalance(ctx, tx, dst.ID, dst.Balance.Add(tr.Amount)); err != nil {
		return nil, e.classify(err)
	}

	// Step 8: finalize.
	now := time.Now().UTC()
	if err := e.transfers.MarkCleared(ctx, tx, tr.ID, now); err != nil {
		return nil, e.classify(err)
	}
	cleared := *tr
	cleared.Status = StatusCleared
	cleared.CompletedAt = &now

	// Step 9: audit the settlement. The append commits in its own scope;
	// if this transaction later rolls back, the record documents the attempt.
	e.auditTransfer(ctx, tr.ID, "CLEARED", map[string]any{
		"msg_id":       tr.MsgID,
		"amount":       tr.Amount.StringFixed(6),
		"currency":     tr.Currency,
		"source":       src.IBAN,
		"destination":  dst.IBAN,
		"completed_at": now,
		"actor":        actor,
	})
	return &cleared, nil
}

func (e *Engine) withRetry(ctx context.Context, op backoff.Operation[*Response]) (*Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RetryInitialBackoff
	bo.Multiplier = e.cfg.RetryMultiplier
	bo.RandomizationFactor = 0

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(e.cfg.RetryAttempts)),
	)
}

// classify wraps non-retryable errors as permanent so the retry loop only
// re-attempts transient serialization conflicts.
func (e *Engine) classify(err error) error {
	if err == nil {
		return nil
	}
	if retryableSQL(err) {
		return err
	}
	return backoff.Permanent(err)
}

func (e *Engine) permanentLookup(err error, iban string) error {
	if errors.Is(err, ErrAccountNotFound) {
		return backoff.Permanent(fmt.Errorf("%w: %s", ErrAccountNotFound, iban))
	}
	return e.classify(err)
}

// retryableSQL matches the transient conflict conditions real drivers
// surface under lock contention.
func retryableSQL(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03": // lock_not_available
			return true
		}
	}
	// Per-attempt transaction timeout: the budget allows another attempt.
	return errors.Is(err, context.DeadlineExceeded)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == "23505"
}

func (e *Engine) auditTransfer(ctx context.Context, transferID int64, action string, payload map[string]any) {
	if e.auditLog == nil {
		return
	}
	if _, err := e.auditLog.Append(ctx, "transfer", fmt.Sprint(transferID), action, payload); err != nil {
		// Audit failure never quashes the business path; no retry on the
		// same prev link either.
		e.logger.ErrorContext(ctx, "audit append failed",
			"transfer_id", transferID, "action", action, "error", err)
	}
}

func (e *Engine) publishCommitted(ctx context.Context, tr *Transfer) {
	if e.publisher == nil {
		return
	}
	srcIBAN, dstIBAN := e.ibansFor(ctx, tr)
	e.publisher.Publish(events.TransferEvent{
		TransferID:      tr.ID,
		MsgID:           tr.MsgID,
		Status:          string(tr.Status),
		Amount:          tr.Amount.StringFixed(6),
		SourceIBAN:      srcIBAN,
		DestinationIBAN: dstIBAN,
		CreatedAt:       tr.CreatedAt,
	})
}

func (e *Engine) ibansFor(ctx context.Context, tr *Transfer) (string, string) {
	src, dst, err := TransferIBANs(ctx, e.db, tr.ID)
	if err != nil {
		e.logger.ErrorContext(ctx, "event enrichment failed", "transfer_id", tr.ID, "error", err)
	}
	return src, dst
}

// TransferIBANs resolves both account IBANs of a transfer, for event
// enrichment after commit.
func TransferIBANs(ctx context.Context, db *sql.DB, transferID int64) (string, string, error) {
	var src, dst string
	err := db.QueryRowContext(ctx, `
		SELECT s.iban, d.iban
		FROM transfers t
		JOIN accounts s ON s.id = t.source_account_id
		JOIN accounts d ON d.id = t.destination_account_id
		WHERE t.id = $1`,
		transferID,
	).Scan(&src, &dst)
	return src, dst, err
}

func (e *Engine) recordSettled(ctx context.Context, start time.Time) {
	if e.obs != nil {
		e.obs.RecordSettled(ctx, time.Since(start))
	}
}

func (e *Engine) recordDuplicate(ctx context.Context) {
	if e.obs != nil {
		e.obs.RecordDuplicate(ctx)
	}
}

func (e *Engine) recordRejected(ctx context.Context) {
	if e.obs != nil {
		e.obs.RecordRejected(ctx)
	}
}
