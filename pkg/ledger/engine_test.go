package ledger

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settleline/rtgs/pkg/events"
	"github.com/settleline/rtgs/pkg/observability"
)

const (
	qAccountByIBAN  = `SELECT id, iban, currency, balance FROM accounts WHERE iban`
	qAccountLock    = `FROM accounts WHERE id = \$1 FOR UPDATE`
	qTransferByMsg  = `WHERE msg_id`
	qTransferLock   = `FROM transfers\s+WHERE id = \$1 FOR UPDATE`
	qInsertTransfer = `INSERT INTO transfers`
	qInsertEntries  = `INSERT INTO ledger_entries`
	qZeroSum        = `SELECT COALESCE\(SUM`
	qSetBalance     = `UPDATE accounts SET balance`
	qMarkCleared    = `UPDATE transfers SET status = \$2, completed_at`
	qMarkRejected   = `UPDATE transfers SET status = \$2, completed_at = \$3 WHERE id = \$1 AND status IN`
)

func newMockEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := DefaultEngineConfig()
	cfg.RetryInitialBackoff = time.Millisecond
	return NewEngine(db, nil, nil, nil, cfg), mock
}

func accountRow(id int64, iban, balance string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "iban", "currency", "balance"}).
		AddRow(id, iban, "EUR", balance)
}

func transferRow(id int64, msgID, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "msg_id", "source_account_id", "destination_account_id",
		"amount", "currency", "status", "created_at", "completed_at",
	}).AddRow(id, msgID, 2, 1, "100.000000", "EUR", status, time.Now().UTC(), nil)
}

func testRequest() TransferRequest {
	return TransferRequest{
		MsgID:           "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		SourceIBAN:      "DE89370400440532013000",
		DestinationIBAN: "FR1420041010050500013M02606",
		Amount:          decimal.RequireFromString("100"),
		Currency:        "EUR",
	}
}

// expectSettle queues steps 4 through 8 for a transfer between account 2
// (source) and account 1 (destination). The lock queries carry WithArgs so
// a wrong lock order fails the expectation sequence.
func expectSettle(mock sqlmock.Sqlmock, srcBalance string) {
	mock.ExpectQuery(qAccountLock).WithArgs(int64(1)).
		WillReturnRows(accountRow(1, "FR1420041010050500013M02606", "0.000000"))
	mock.ExpectQuery(qAccountLock).WithArgs(int64(2)).
		WillReturnRows(accountRow(2, "DE89370400440532013000", srcBalance))
	mock.ExpectExec(qInsertEntries).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery(qZeroSum).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("0"))
	mock.ExpectExec(qSetBalance).WithArgs(int64(2), "400.000000").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(qSetBalance).WithArgs(int64(1), "100.000000").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(qMarkCleared).WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestPostSettlesAndLocksInAscendingOrder(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectQuery(qTransferByMsg).WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectQuery(qAccountByIBAN).WithArgs("DE89370400440532013000").
		WillReturnRows(accountRow(2, "DE89370400440532013000", "500.000000"))
	mock.ExpectQuery(qAccountByIBAN).WithArgs("FR1420041010050500013M02606").
		WillReturnRows(accountRow(1, "FR1420041010050500013M02606", "0.000000"))
	mock.ExpectQuery(qInsertTransfer).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	expectSettle(mock, "500.000000")
	mock.ExpectCommit()

	resp, err := e.Post(context.Background(), testRequest(), "test")
	require.NoError(t, err)
	assert.False(t, resp.Duplicate)
	assert.Equal(t, StatusCleared, resp.Transfer.Status)
	assert.NotNil(t, resp.Transfer.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostRecordsTelemetryOnSettleAndDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)

	cfg := DefaultEngineConfig()
	cfg.RetryInitialBackoff = time.Millisecond
	e := NewEngine(db, nil, nil, obs, cfg)

	mock.ExpectQuery(qTransferByMsg).WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectQuery(qAccountByIBAN).
		WillReturnRows(accountRow(2, "DE89370400440532013000", "500.000000"))
	mock.ExpectQuery(qAccountByIBAN).
		WillReturnRows(accountRow(1, "FR1420041010050500013M02606", "0.000000"))
	mock.ExpectQuery(qInsertTransfer).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	expectSettle(mock, "500.000000")
	mock.ExpectCommit()

	resp, err := e.Post(context.Background(), testRequest(), "test")
	require.NoError(t, err)
	assert.Equal(t, StatusCleared, resp.Transfer.Status)

	// Replay hits the duplicate counter on the same instrumented path.
	mock.ExpectQuery(qTransferByMsg).
		WillReturnRows(transferRow(7, testRequest().MsgID, "CLEARED"))
	resp, err = e.Post(context.Background(), testRequest(), "test")
	require.NoError(t, err)
	assert.True(t, resp.Duplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostDuplicateReturnsExistingWithoutTransaction(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectQuery(qTransferByMsg).
		WillReturnRows(transferRow(7, testRequest().MsgID, "CLEARED"))

	resp, err := e.Post(context.Background(), testRequest(), "test")
	require.NoError(t, err)
	assert.True(t, resp.Duplicate)
	assert.Equal(t, StatusCleared, resp.Transfer.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostInsufficientFundsRollsBack(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectQuery(qTransferByMsg).WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectQuery(qAccountByIBAN).
		WillReturnRows(accountRow(2, "DE89370400440532013000", "50.000000"))
	mock.ExpectQuery(qAccountByIBAN).
		WillReturnRows(accountRow(1, "FR1420041010050500013M02606", "0.000000"))
	mock.ExpectQuery(qInsertTransfer).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectQuery(qAccountLock).WithArgs(int64(1)).
		WillReturnRows(accountRow(1, "FR1420041010050500013M02606", "0.000000"))
	mock.ExpectQuery(qAccountLock).WithArgs(int64(2)).
		WillReturnRows(accountRow(2, "DE89370400440532013000", "50.000000"))
	mock.ExpectRollback()

	_, err := e.Post(context.Background(), testRequest(), "test")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostUnknownAccountFailsFast(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectQuery(qTransferByMsg).WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectQuery(qAccountByIBAN).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := e.Post(context.Background(), testRequest(), "test")
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostCurrencyMismatchRejected(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectQuery(qTransferByMsg).WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectQuery(qAccountByIBAN).
		WillReturnRows(sqlmock.NewRows([]string{"id", "iban", "currency", "balance"}).
			AddRow(2, "DE89370400440532013000", "USD", "500.000000"))
	mock.ExpectQuery(qAccountByIBAN).
		WillReturnRows(accountRow(1, "FR1420041010050500013M02606", "0.000000"))
	mock.ExpectRollback()

	_, err := e.Post(context.Background(), testRequest(), "test")
	assert.ErrorIs(t, err, ErrInvalidTransfer)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostSelfTransferRejected(t *testing.T) {
	e, mock := newMockEngine(t)

	req := testRequest()
	req.DestinationIBAN = req.SourceIBAN

	mock.ExpectQuery(qTransferByMsg).WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectQuery(qAccountByIBAN).WithArgs("DE89370400440532013000").
		WillReturnRows(accountRow(2, "DE89370400440532013000", "100.000000"))
	mock.ExpectQuery(qAccountByIBAN).WithArgs("DE89370400440532013000").
		WillReturnRows(accountRow(2, "DE89370400440532013000", "100.000000"))
	mock.ExpectRollback()

	_, err := e.Post(context.Background(), req, "test")
	assert.ErrorIs(t, err, ErrInvalidTransfer)
	// No insert, no locks, no balance writes were queued; the balance can
	// never be rewritten from a stale read of the same row.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostPreparedSelfTransferRejected(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery(qTransferLock).WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "msg_id", "source_account_id", "destination_account_id",
			"amount", "currency", "status", "created_at", "completed_at",
		}).AddRow(7, testRequest().MsgID, 2, 2, "100.000000", "EUR", "PENDING", time.Now().UTC(), nil))
	mock.ExpectRollback()

	_, err := e.PostPrepared(context.Background(), 7, "pipeline")
	assert.ErrorIs(t, err, ErrInvalidTransfer)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostUniqueViolationResolvesToDuplicate(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectQuery(qTransferByMsg).WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectQuery(qAccountByIBAN).
		WillReturnRows(accountRow(2, "DE89370400440532013000", "500.000000"))
	mock.ExpectQuery(qAccountByIBAN).
		WillReturnRows(accountRow(1, "FR1420041010050500013M02606", "0.000000"))
	mock.ExpectQuery(qInsertTransfer).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()
	mock.ExpectQuery(qTransferByMsg).
		WillReturnRows(transferRow(7, testRequest().MsgID, "CLEARED"))

	resp, err := e.Post(context.Background(), testRequest(), "test")
	require.NoError(t, err)
	assert.True(t, resp.Duplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostRetriesSerializationFailure(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectQuery(qTransferByMsg).WillReturnError(sql.ErrNoRows)

	// First attempt deadlocks on the account lock.
	mock.ExpectBegin()
	mock.ExpectQuery(qAccountByIBAN).
		WillReturnRows(accountRow(2, "DE89370400440532013000", "500.000000"))
	mock.ExpectQuery(qAccountByIBAN).
		WillReturnRows(accountRow(1, "FR1420041010050500013M02606", "0.000000"))
	mock.ExpectQuery(qInsertTransfer).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectQuery(qAccountLock).WillReturnError(&pq.Error{Code: "40P01"})
	mock.ExpectRollback()

	// Second attempt succeeds.
	mock.ExpectBegin()
	mock.ExpectQuery(qAccountByIBAN).
		WillReturnRows(accountRow(2, "DE89370400440532013000", "500.000000"))
	mock.ExpectQuery(qAccountByIBAN).
		WillReturnRows(accountRow(1, "FR1420041010050500013M02606", "0.000000"))
	mock.ExpectQuery(qInsertTransfer).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(8))
	expectSettle(mock, "500.000000")
	mock.ExpectCommit()

	resp, err := e.Post(context.Background(), testRequest(), "test")
	require.NoError(t, err)
	assert.Equal(t, StatusCleared, resp.Transfer.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostAtomicityBreachIsNotRetried(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectQuery(qTransferByMsg).WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectQuery(qAccountByIBAN).
		WillReturnRows(accountRow(2, "DE89370400440532013000", "500.000000"))
	mock.ExpectQuery(qAccountByIBAN).
		WillReturnRows(accountRow(1, "FR1420041010050500013M02606", "0.000000"))
	mock.ExpectQuery(qInsertTransfer).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectQuery(qAccountLock).WithArgs(int64(1)).
		WillReturnRows(accountRow(1, "FR1420041010050500013M02606", "0.000000"))
	mock.ExpectQuery(qAccountLock).WithArgs(int64(2)).
		WillReturnRows(accountRow(2, "DE89370400440532013000", "500.000000"))
	mock.ExpectExec(qInsertEntries).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery(qZeroSum).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("100.000000"))
	mock.ExpectRollback()

	_, err := e.Post(context.Background(), testRequest(), "test")
	assert.ErrorIs(t, err, ErrAtomicityBreach)
	// A second ExpectBegin was never queued; ExpectationsWereMet proves the
	// breach did not re-attempt.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPrepareInsertsPendingWithoutSettling(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectQuery(qTransferByMsg).WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectQuery(qAccountByIBAN).
		WillReturnRows(accountRow(2, "DE89370400440532013000", "500.000000"))
	mock.ExpectQuery(qAccountByIBAN).
		WillReturnRows(accountRow(1, "FR1420041010050500013M02606", "0.000000"))
	mock.ExpectQuery(qInsertTransfer).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectCommit()

	resp, err := e.Prepare(context.Background(), testRequest(), "pipeline")
	require.NoError(t, err)
	assert.False(t, resp.Duplicate)
	assert.Equal(t, StatusPending, resp.Transfer.Status)
	// No account locks, no entries, no balance writes were queued; meeting
	// the expectations proves none ran.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostPreparedSettlesPendingTransfer(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery(qTransferLock).WithArgs(int64(7)).
		WillReturnRows(transferRow(7, testRequest().MsgID, "PENDING"))
	expectSettle(mock, "500.000000")
	mock.ExpectCommit()

	resp, err := e.PostPrepared(context.Background(), 7, "pipeline")
	require.NoError(t, err)
	assert.Equal(t, StatusCleared, resp.Transfer.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostPreparedAlreadyClearedIsIdempotent(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery(qTransferLock).WithArgs(int64(7)).
		WillReturnRows(transferRow(7, testRequest().MsgID, "CLEARED"))
	mock.ExpectRollback()

	resp, err := e.PostPrepared(context.Background(), 7, "pipeline")
	require.NoError(t, err)
	assert.True(t, resp.Duplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostPreparedRejectedTransferFails(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery(qTransferLock).WithArgs(int64(7)).
		WillReturnRows(transferRow(7, testRequest().MsgID, "REJECTED"))
	mock.ExpectRollback()

	_, err := e.PostPrepared(context.Background(), 7, "pipeline")
	assert.ErrorIs(t, err, ErrInvalidTransfer)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRejectTerminatesAndPublishes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bus := events.NewBus(4)
	ch, cancel := bus.Subscribe(events.TopicTransfers)
	defer cancel()

	e := NewEngine(db, nil, bus, nil, DefaultEngineConfig())

	mock.ExpectBegin()
	mock.ExpectQuery(qTransferLock).WithArgs(int64(7)).
		WillReturnRows(transferRow(7, testRequest().MsgID, "BLOCKED_AML"))
	mock.ExpectExec(qMarkRejected).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT s.iban, d.iban`).
		WillReturnRows(sqlmock.NewRows([]string{"s", "d"}).
			AddRow("DE89370400440532013000", "FR1420041010050500013M02606"))

	require.NoError(t, e.Reject(context.Background(), 7, "sanctions hit", "reviewer"))

	select {
	case ev := <-ch:
		assert.Equal(t, "REJECTED", ev.Status)
		assert.Equal(t, "DE89370400440532013000", ev.SourceIBAN)
	default:
		t.Fatal("no event published after commit")
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}
