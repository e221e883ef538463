package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settleline/rtgs/pkg/audit"
	"github.com/settleline/rtgs/pkg/iso20022"
	"github.com/settleline/rtgs/pkg/ledger"
	"github.com/settleline/rtgs/pkg/rules"
	"github.com/settleline/rtgs/pkg/screening"
)

const wirePacs008 = `<?xml version="1.0" encoding="UTF-8"?>
<Document xmlns="urn:iso:std:iso:20022:tech:xsd:pacs.008.001.10">
  <FIToFICstmrCdtTrf>
    <GrpHdr>
      <MsgId>7c9e6679-7425-40de-944b-e07fc1f90ae7</MsgId>
      <CreDtTm>2026-08-24T10:00:00.000Z</CreDtTm>
      <NbOfTxs>1</NbOfTxs>
    </GrpHdr>
    <CdtTrfTxInf>
      <PmtId><EndToEndId>E2E-001</EndToEndId></PmtId>
      <IntrBkSttlmAmt Ccy="EUR">500.00</IntrBkSttlmAmt>
      <Dbtr><Nm>Clean Sender</Nm></Dbtr>
      <DbtrAcct><Id><IBAN>DE89370400440532013000</IBAN></Id></DbtrAcct>
      <Cdtr><Nm>Clean Receiver</Nm></Cdtr>
      <CdtrAcct><Id><IBAN>GB29NWBK60161331926819</IBAN></Id></CdtrAcct>
    </CdtTrfTxInf>
  </FIToFICstmrCdtTrf>
</Document>`

type fakeGate struct {
	existing *ledger.Transfer
	seen     bool
	err      error
	admitted []string
}

func (f *fakeGate) Seen(context.Context, string) (*ledger.Transfer, bool, error) {
	return f.existing, f.seen, f.err
}

func (f *fakeGate) Admit(_ context.Context, msgID string) {
	f.admitted = append(f.admitted, msgID)
}

type fakeEngine struct {
	prepareResp *ledger.Response
	prepareErr  error
	prepareReqs []ledger.TransferRequest
	postErr     error
	posted      []int64
	rejected    []int64
}

func (f *fakeEngine) Prepare(_ context.Context, req ledger.TransferRequest, _ string) (*ledger.Response, error) {
	f.prepareReqs = append(f.prepareReqs, req)
	return f.prepareResp, f.prepareErr
}

func (f *fakeEngine) PostPrepared(_ context.Context, id int64, _ string) (*ledger.Response, error) {
	f.posted = append(f.posted, id)
	if f.postErr != nil {
		return nil, f.postErr
	}
	return &ledger.Response{Transfer: ledger.Transfer{ID: id, Status: ledger.StatusCleared}}, nil
}

func (f *fakeEngine) Reject(_ context.Context, id int64, _, _ string) error {
	f.rejected = append(f.rejected, id)
	return nil
}

type fakeScreener struct {
	result  *screening.Result
	err     error
	parties []screening.Party

	manualTransfer *ledger.Transfer
	manualErr      error
	manualCalls    []screening.ManualDecision
}

func (f *fakeScreener) Evaluate(_ context.Context, _ int64, parties []screening.Party, _ rules.Assessment) (*screening.Result, error) {
	f.parties = parties
	return f.result, f.err
}

func (f *fakeScreener) ApplyManual(_ context.Context, _ int64, decision screening.ManualDecision, _, _ string) (*ledger.Transfer, error) {
	f.manualCalls = append(f.manualCalls, decision)
	return f.manualTransfer, f.manualErr
}

type fakeAuditor struct {
	actions []string
	ids     []string
}

func (f *fakeAuditor) Append(_ context.Context, _, entityID, action string, _ map[string]any) (*audit.Record, error) {
	f.ids = append(f.ids, entityID)
	f.actions = append(f.actions, action)
	return &audit.Record{}, nil
}

type fakeOut struct {
	reports []iso20022.Report
}

func (f *fakeOut) PublishStatus(_ context.Context, report iso20022.Report) error {
	f.reports = append(f.reports, report)
	return nil
}

func pendingResp(id int64) *ledger.Response {
	return &ledger.Response{Transfer: ledger.Transfer{
		ID:        id,
		MsgID:     "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		Amount:    decimal.RequireFromString("500"),
		Currency:  "EUR",
		Status:    ledger.StatusPending,
		CreatedAt: time.Now().UTC(),
	}}
}

func cleared() *screening.Result {
	return &screening.Result{Decision: rules.DecisionCleared}
}

func TestProcessCleanSettlement(t *testing.T) {
	gate := &fakeGate{}
	engine := &fakeEngine{prepareResp: pendingResp(7)}
	screener := &fakeScreener{result: cleared()}
	out := &fakeOut{}
	p := NewProcessor(gate, engine, screener, out, nil, nil)

	disp, err := p.Process(context.Background(), []byte(wirePacs008), "")
	require.NoError(t, err)
	assert.Equal(t, Ack, disp)

	require.Len(t, engine.prepareReqs, 1)
	assert.Equal(t, "DE89370400440532013000", engine.prepareReqs[0].SourceIBAN)
	assert.Equal(t, "GB29NWBK60161331926819", engine.prepareReqs[0].DestinationIBAN)
	assert.Equal(t, []string{"7c9e6679-7425-40de-944b-e07fc1f90ae7"}, gate.admitted)
	require.Len(t, screener.parties, 2)
	assert.Equal(t, []int64{7}, engine.posted)
	// Success emits no status report.
	assert.Empty(t, out.reports)
}

func TestProcessInvalidXMLDeadLetters(t *testing.T) {
	out := &fakeOut{}
	p := NewProcessor(&fakeGate{}, &fakeEngine{}, &fakeScreener{}, out, nil, nil)

	disp, err := p.Process(context.Background(), []byte("<not-pacs>"), "corr-1")
	require.NoError(t, err)
	assert.Equal(t, DeadLetter, disp)

	require.Len(t, out.reports, 1)
	assert.Equal(t, iso20022.StatusRejected, out.reports[0].GroupStatus)
	assert.Equal(t, iso20022.ReasonInvalidFormat, out.reports[0].Reason.Code)
}

func TestProcessInvalidXMLWithoutCorrelationSkipsReport(t *testing.T) {
	out := &fakeOut{}
	p := NewProcessor(&fakeGate{}, &fakeEngine{}, &fakeScreener{}, out, nil, nil)

	disp, err := p.Process(context.Background(), []byte("<not-pacs>"), "")
	require.NoError(t, err)
	assert.Equal(t, DeadLetter, disp)
	assert.Empty(t, out.reports)
}

func TestProcessDuplicateAcksSilently(t *testing.T) {
	gate := &fakeGate{existing: &ledger.Transfer{ID: 7, Status: ledger.StatusCleared}, seen: true}
	engine := &fakeEngine{}
	out := &fakeOut{}
	auditor := &fakeAuditor{}
	p := NewProcessor(gate, engine, &fakeScreener{}, out, auditor, nil)

	disp, err := p.Process(context.Background(), []byte(wirePacs008), "")
	require.NoError(t, err)
	assert.Equal(t, Ack, disp)
	assert.Empty(t, engine.prepareReqs)
	// No pacs.002 for a replay, but the attempt lands on the audit trail.
	assert.Empty(t, out.reports)
	assert.Equal(t, []string{"DUPLICATE_ATTEMPT"}, auditor.actions)
	assert.Equal(t, []string{"7"}, auditor.ids)
}

func TestProcessEveryReplayLeavesAnAuditRecord(t *testing.T) {
	gate := &fakeGate{existing: &ledger.Transfer{ID: 7, Status: ledger.StatusCleared}, seen: true}
	auditor := &fakeAuditor{}
	p := NewProcessor(gate, &fakeEngine{}, &fakeScreener{}, &fakeOut{}, auditor, nil)

	for i := 0; i < 3; i++ {
		disp, err := p.Process(context.Background(), []byte(wirePacs008), "")
		require.NoError(t, err)
		assert.Equal(t, Ack, disp)
	}
	assert.Equal(t, []string{"DUPLICATE_ATTEMPT", "DUPLICATE_ATTEMPT", "DUPLICATE_ATTEMPT"}, auditor.actions)
}

func TestProcessEngineDuplicateAcks(t *testing.T) {
	resp := pendingResp(7)
	resp.Duplicate = true
	engine := &fakeEngine{prepareResp: resp}
	screener := &fakeScreener{result: cleared()}
	p := NewProcessor(&fakeGate{}, engine, screener, &fakeOut{}, nil, nil)

	disp, err := p.Process(context.Background(), []byte(wirePacs008), "")
	require.NoError(t, err)
	assert.Equal(t, Ack, disp)
	assert.Nil(t, screener.parties)
	assert.Empty(t, engine.posted)
}

func TestProcessComplianceHoldEmitsPending(t *testing.T) {
	engine := &fakeEngine{prepareResp: pendingResp(7)}
	out := &fakeOut{}
	p := NewProcessor(&fakeGate{}, engine,
		&fakeScreener{result: &screening.Result{Decision: rules.DecisionBlocked}}, out, nil, nil)

	disp, err := p.Process(context.Background(), []byte(wirePacs008), "")
	require.NoError(t, err)
	assert.Equal(t, Ack, disp)
	assert.Empty(t, engine.posted)

	require.Len(t, out.reports, 1)
	assert.Equal(t, iso20022.StatusPending, out.reports[0].GroupStatus)
	assert.Equal(t, iso20022.ReasonRegulatory, out.reports[0].Reason.Code)
}

func TestProcessInsufficientFundsRejectsAndReports(t *testing.T) {
	engine := &fakeEngine{
		prepareResp: pendingResp(7),
		postErr:     ledger.ErrInsufficientFunds,
	}
	out := &fakeOut{}
	p := NewProcessor(&fakeGate{}, engine, &fakeScreener{result: cleared()}, out, nil, nil)

	disp, err := p.Process(context.Background(), []byte(wirePacs008), "")
	require.NoError(t, err)
	assert.Equal(t, Ack, disp)
	assert.Equal(t, []int64{7}, engine.rejected)

	require.Len(t, out.reports, 1)
	assert.Equal(t, iso20022.StatusRejected, out.reports[0].GroupStatus)
	assert.Equal(t, iso20022.ReasonInsufficientFunds, out.reports[0].Reason.Code)
}

func TestProcessUnknownAccountRejects(t *testing.T) {
	engine := &fakeEngine{prepareErr: ledger.ErrAccountNotFound}
	out := &fakeOut{}
	p := NewProcessor(&fakeGate{}, engine, &fakeScreener{}, out, nil, nil)

	disp, err := p.Process(context.Background(), []byte(wirePacs008), "")
	require.NoError(t, err)
	assert.Equal(t, Ack, disp)

	require.Len(t, out.reports, 1)
	assert.Equal(t, iso20022.ReasonAccountUnknown, out.reports[0].Reason.Code)
}

func TestProcessScreeningErrorRequeues(t *testing.T) {
	engine := &fakeEngine{prepareResp: pendingResp(7)}
	p := NewProcessor(&fakeGate{}, engine,
		&fakeScreener{err: errors.New("sanctions store down")}, &fakeOut{}, nil, nil)

	disp, err := p.Process(context.Background(), []byte(wirePacs008), "")
	assert.Error(t, err)
	assert.Equal(t, Requeue, disp)
}

func TestProcessTransientPrepareErrorRequeues(t *testing.T) {
	engine := &fakeEngine{prepareErr: errors.New("connection reset")}
	p := NewProcessor(&fakeGate{}, engine, &fakeScreener{}, &fakeOut{}, nil, nil)

	disp, err := p.Process(context.Background(), []byte(wirePacs008), "")
	assert.Error(t, err)
	assert.Equal(t, Requeue, disp)
}

func TestApplyManualDecisionApprovePosts(t *testing.T) {
	engine := &fakeEngine{}
	screener := &fakeScreener{manualTransfer: &ledger.Transfer{ID: 7, Status: ledger.StatusPending}}
	p := NewProcessor(&fakeGate{}, engine, screener, &fakeOut{}, nil, nil)

	tr, err := p.ApplyManualDecision(context.Background(), 7, screening.ManualApprove, "reviewer-1", "verified counterparty")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCleared, tr.Status)
	assert.Equal(t, []int64{7}, engine.posted)
	assert.Equal(t, []screening.ManualDecision{screening.ManualApprove}, screener.manualCalls)
}

func TestApplyManualDecisionRejectStops(t *testing.T) {
	engine := &fakeEngine{}
	screener := &fakeScreener{manualTransfer: &ledger.Transfer{ID: 7, Status: ledger.StatusRejected}}
	p := NewProcessor(&fakeGate{}, engine, screener, &fakeOut{}, nil, nil)

	tr, err := p.ApplyManualDecision(context.Background(), 7, screening.ManualReject, "reviewer-1", "confirmed hit")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRejected, tr.Status)
	assert.Empty(t, engine.posted)
}

func TestApplyManualDecisionApproveRejectsOnInsufficientFunds(t *testing.T) {
	engine := &fakeEngine{postErr: ledger.ErrInsufficientFunds}
	screener := &fakeScreener{manualTransfer: &ledger.Transfer{ID: 7, Status: ledger.StatusPending}}
	p := NewProcessor(&fakeGate{}, engine, screener, &fakeOut{}, nil, nil)

	_, err := p.ApplyManualDecision(context.Background(), 7, screening.ManualApprove, "reviewer-1", "")
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Equal(t, []int64{7}, engine.rejected)
}

func TestApplyManualDecisionReplayPropagates(t *testing.T) {
	screener := &fakeScreener{manualErr: screening.ErrNotBlocked}
	p := NewProcessor(&fakeGate{}, &fakeEngine{}, screener, &fakeOut{}, nil, nil)

	_, err := p.ApplyManualDecision(context.Background(), 7, screening.ManualApprove, "reviewer-1", "")
	assert.ErrorIs(t, err, screening.ErrNotBlocked)
}

func TestProcessGateErrorRequeues(t *testing.T) {
	p := NewProcessor(&fakeGate{err: errors.New("db down")}, &fakeEngine{}, &fakeScreener{}, &fakeOut{}, nil, nil)

	disp, err := p.Process(context.Background(), []byte(wirePacs008), "")
	assert.Error(t, err)
	assert.Equal(t, Requeue, disp)
}
