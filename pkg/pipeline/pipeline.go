// Package pipeline wires the ingestion path: wire bytes from the inbound
// queue through validation, the idempotency gate, compliance screening and
// posting, with pacs.002 status reports on the outbound queue for every
// failure terminal.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/settleline/rtgs/pkg/audit"
	"github.com/settleline/rtgs/pkg/iso20022"
	"github.com/settleline/rtgs/pkg/ledger"
	"github.com/settleline/rtgs/pkg/observability"
	"github.com/settleline/rtgs/pkg/rules"
	"github.com/settleline/rtgs/pkg/screening"
)

// Disposition tells the consumer what to do with the delivery.
type Disposition int

const (
	// Ack acknowledges: processed, or a terminal failure that was answered
	// with an outbound status report.
	Ack Disposition = iota
	// DeadLetter rejects without requeue; the broker routes to the DLQ.
	DeadLetter
	// Requeue rejects with requeue for transient processing errors.
	Requeue
)

// Gate is the idempotency check in front of the engine.
type Gate interface {
	Seen(ctx context.Context, msgID string) (*ledger.Transfer, bool, error)
	Admit(ctx context.Context, msgID string)
}

// Poster is the settlement engine surface the pipeline drives.
type Poster interface {
	Prepare(ctx context.Context, req ledger.TransferRequest, actor string) (*ledger.Response, error)
	PostPrepared(ctx context.Context, transferID int64, actor string) (*ledger.Response, error)
	Reject(ctx context.Context, transferID int64, reason, actor string) error
}

// Screener evaluates compliance on a prepared transfer and applies
// reviewer verdicts.
type Screener interface {
	Evaluate(ctx context.Context, transferID int64, parties []screening.Party, assessment rules.Assessment) (*screening.Result, error)
	ApplyManual(ctx context.Context, transferID int64, decision screening.ManualDecision, reviewer, rationale string) (*ledger.Transfer, error)
}

// StatusPublisher emits pacs.002 reports to the outbound queue.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, report iso20022.Report) error
}

// Auditor appends to the tamper-evident log.
type Auditor interface {
	Append(ctx context.Context, entityType, entityID, action string, payload map[string]any) (*audit.Record, error)
}

const pipelineActor = "pipeline"

// Processor runs the per-message flow. It is transport-agnostic; the AMQP
// consumer and the synchronous Submit path both feed it.
type Processor struct {
	gate     Gate
	engine   Poster
	screener Screener
	out      StatusPublisher
	auditor  Auditor
	obs      *observability.Provider
	logger   *slog.Logger
}

// NewProcessor creates a processor. out, auditor and obs may be nil.
func NewProcessor(gate Gate, engine Poster, screener Screener, out StatusPublisher, auditor Auditor, obs *observability.Provider) *Processor {
	return &Processor{
		gate:     gate,
		engine:   engine,
		screener: screener,
		out:      out,
		auditor:  auditor,
		obs:      obs,
		logger:   slog.Default().With("component", "pipeline"),
	}
}

// Process handles one wire message. correlationID is the broker message-id
// header when present, used for the status report of unparseable payloads.
func (p *Processor) Process(ctx context.Context, wire []byte, correlationID string) (Disposition, error) {
	ctx, span := p.startSpan(ctx, "pipeline.process")
	defer span.End()

	in, err := iso20022.ParsePacs008(wire)
	if err != nil {
		return p.rejectWire(ctx, correlationID, err), nil
	}

	if existing, seen, err := p.gate.Seen(ctx, in.MsgID); err != nil {
		return Requeue, fmt.Errorf("idempotency check: %w", err)
	} else if seen {
		// Acknowledged silently to the broker, loudly to the audit trail:
		// each replay leaves its own record on the existing transfer's chain.
		p.logger.InfoContext(ctx, "duplicate message acknowledged",
			"msg_id", in.MsgID, "status", existing.Status)
		p.audit(ctx, existing.ID, "DUPLICATE_ATTEMPT", map[string]any{
			"msg_id": in.MsgID,
			"status": string(existing.Status),
			"actor":  pipelineActor,
		})
		return Ack, nil
	}

	return p.settle(ctx, in)
}

// Submit is the synchronous path for API callers: the same flow, with the
// final transfer returned instead of a queue disposition.
func (p *Processor) Submit(ctx context.Context, wire []byte) (*ledger.Transfer, error) {
	ctx, span := p.startSpan(ctx, "pipeline.submit")
	defer span.End()

	in, err := iso20022.ParsePacs008(wire)
	if err != nil {
		return nil, err
	}
	if existing, seen, err := p.gate.Seen(ctx, in.MsgID); err != nil {
		return nil, err
	} else if seen {
		p.audit(ctx, existing.ID, "DUPLICATE_ATTEMPT", map[string]any{
			"msg_id": in.MsgID,
			"status": string(existing.Status),
			"actor":  pipelineActor,
		})
		return existing, nil
	}

	if _, err := p.settle(ctx, in); err != nil {
		return nil, err
	}
	tr, _, err := p.gate.Seen(ctx, in.MsgID)
	return tr, err
}

// ApplyManualDecision resolves a blocked transfer with a reviewer verdict;
// an approval continues straight into settlement.
func (p *Processor) ApplyManualDecision(ctx context.Context, transferID int64, decision screening.ManualDecision, reviewer, rationale string) (*ledger.Transfer, error) {
	tr, err := p.screener.ApplyManual(ctx, transferID, decision, reviewer, rationale)
	if err != nil {
		return nil, err
	}
	if decision != screening.ManualApprove {
		return tr, nil
	}

	resp, err := p.engine.PostPrepared(ctx, transferID, reviewer)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			if rerr := p.engine.Reject(ctx, transferID, err.Error(), reviewer); rerr != nil {
				p.logger.ErrorContext(ctx, "reject after approval failed",
					"transfer_id", transferID, "error", rerr)
			}
		}
		return nil, err
	}
	return &resp.Transfer, nil
}

func (p *Processor) settle(ctx context.Context, in *iso20022.Instruction) (Disposition, error) {
	req := ledger.TransferRequest{
		MsgID:           in.MsgID,
		SourceIBAN:      in.DebtorIBAN,
		DestinationIBAN: in.CreditorIBAN,
		Amount:          in.Amount,
		Currency:        in.Currency,
		EndToEndID:      in.EndToEndID,
	}
	resp, err := p.engine.Prepare(ctx, req, pipelineActor)
	if err != nil {
		return p.prepareFailure(ctx, in, err)
	}
	if resp.Duplicate {
		return Ack, nil
	}
	transferID := resp.Transfer.ID
	p.gate.Admit(ctx, in.MsgID)

	result, err := p.screener.Evaluate(ctx, transferID,
		[]screening.Party{
			{Name: in.DebtorName, Role: screening.RoleDebtor},
			{Name: in.CreditorName, Role: screening.RoleCreditor},
		},
		rules.Assessment{Amount: in.Amount, Currency: in.Currency})
	if err != nil {
		p.audit(ctx, transferID, "SCREENING_ERROR", map[string]any{
			"msg_id": in.MsgID, "error": err.Error(),
		})
		return Requeue, fmt.Errorf("compliance screen: %w", err)
	}

	if result.Decision != rules.DecisionCleared {
		p.publishStatus(ctx, iso20022.Report{
			OriginalMsgID: in.MsgID,
			EndToEndID:    in.EndToEndID,
			GroupStatus:   iso20022.StatusPending,
			Reason: &iso20022.StatusReason{
				Code: iso20022.ReasonRegulatory,
				Info: fmt.Sprintf("compliance hold: %s", result.Decision),
			},
		})
		return Ack, nil
	}

	if _, err := p.engine.PostPrepared(ctx, transferID, pipelineActor); err != nil {
		return p.postFailure(ctx, in, transferID, err)
	}
	return Ack, nil
}

// rejectWire answers an unparseable or schema-violating payload.
func (p *Processor) rejectWire(ctx context.Context, correlationID string, cause error) Disposition {
	p.logger.WarnContext(ctx, "rejecting invalid message",
		"correlation_id", correlationID, "error", cause)
	entityID := correlationID
	if entityID == "" {
		entityID = "unknown"
	}
	if p.auditor != nil {
		if _, err := p.auditor.Append(ctx, "message", entityID, "INVALID_XML", map[string]any{
			"error": cause.Error(),
		}); err != nil {
			p.logger.ErrorContext(ctx, "audit append failed", "action", "INVALID_XML", "error", err)
		}
	}
	if correlationID != "" {
		p.publishStatus(ctx, iso20022.Report{
			OriginalMsgID: correlationID,
			GroupStatus:   iso20022.StatusRejected,
			Reason: &iso20022.StatusReason{
				Code: iso20022.ReasonInvalidFormat,
				Info: "invalid pacs.008",
			},
		})
	}
	return DeadLetter
}

func (p *Processor) prepareFailure(ctx context.Context, in *iso20022.Instruction, err error) (Disposition, error) {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		p.publishStatus(ctx, iso20022.Report{
			OriginalMsgID: in.MsgID,
			EndToEndID:    in.EndToEndID,
			GroupStatus:   iso20022.StatusRejected,
			Reason:        &iso20022.StatusReason{Code: iso20022.ReasonAccountUnknown, Info: err.Error()},
		})
		return Ack, nil
	case errors.Is(err, ledger.ErrInvalidTransfer):
		p.publishStatus(ctx, iso20022.Report{
			OriginalMsgID: in.MsgID,
			EndToEndID:    in.EndToEndID,
			GroupStatus:   iso20022.StatusRejected,
			Reason:        nil, // no recognized external code
		})
		return Ack, nil
	default:
		return Requeue, fmt.Errorf("prepare transfer: %w", err)
	}
}

func (p *Processor) postFailure(ctx context.Context, in *iso20022.Instruction, transferID int64, err error) (Disposition, error) {
	if errors.Is(err, ledger.ErrInsufficientFunds) || errors.Is(err, ledger.ErrAtomicityBreach) {
		if rerr := p.engine.Reject(ctx, transferID, err.Error(), pipelineActor); rerr != nil {
			p.logger.ErrorContext(ctx, "reject after posting failure failed",
				"transfer_id", transferID, "error", rerr)
		}
		report := iso20022.Report{
			OriginalMsgID: in.MsgID,
			EndToEndID:    in.EndToEndID,
			GroupStatus:   iso20022.StatusRejected,
		}
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			report.Reason = &iso20022.StatusReason{
				Code: iso20022.ReasonInsufficientFunds,
				Info: "insufficient funds",
			}
		}
		p.publishStatus(ctx, report)
		return Ack, nil
	}
	// Retry budget exhausted or infrastructure failure.
	return Requeue, fmt.Errorf("post transfer %d: %w", transferID, err)
}

func (p *Processor) publishStatus(ctx context.Context, report iso20022.Report) {
	if p.out == nil {
		return
	}
	if err := p.out.PublishStatus(ctx, report); err != nil {
		p.logger.ErrorContext(ctx, "status report publish failed",
			"msg_id", report.OriginalMsgID, "status", report.GroupStatus, "error", err)
	}
}

func (p *Processor) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if p.obs == nil {
		return noop.NewTracerProvider().Tracer("").Start(ctx, name)
	}
	return p.obs.StartSpan(ctx, name)
}

func (p *Processor) audit(ctx context.Context, transferID int64, action string, payload map[string]any) {
	if p.auditor == nil || action == "" {
		return
	}
	if _, err := p.auditor.Append(ctx, "transfer", fmt.Sprint(transferID), action, payload); err != nil {
		p.logger.ErrorContext(ctx, "audit append failed",
			"transfer_id", transferID, "action", action, "error", err)
	}
}
