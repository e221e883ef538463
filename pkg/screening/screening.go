// Package screening runs compliance screening over pending transfers: the
// fuzzy sanctions match on every party, the rule table over the merged
// matches, the BLOCKED_AML transition when the outcome demands it, and the
// manual review verdicts that resolve blocked transfers.
package screening

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/settleline/rtgs/pkg/audit"
	"github.com/settleline/rtgs/pkg/events"
	"github.com/settleline/rtgs/pkg/ledger"
	"github.com/settleline/rtgs/pkg/observability"
	"github.com/settleline/rtgs/pkg/rules"
	"github.com/settleline/rtgs/pkg/sanctions"
)

// PartyRole distinguishes the sides of a screened transfer.
type PartyRole string

const (
	RoleDebtor   PartyRole = "DEBTOR"
	RoleCreditor PartyRole = "CREDITOR"
)

// Party is one screened name.
type Party struct {
	Name string
	Role PartyRole
}

// ManualDecision is a reviewer's verdict on a blocked transfer.
type ManualDecision string

const (
	ManualApprove ManualDecision = "APPROVE"
	ManualReject  ManualDecision = "REJECT"
)

// ErrNotBlocked means a manual verdict targeted a transfer that is not
// awaiting review; the usual cause is a replayed or raced verdict.
var ErrNotBlocked = errors.New("transfer not awaiting manual review")

// NameScreener finds sanctions matches for one name.
type NameScreener interface {
	Find(ctx context.Context, name string, thresholdPct int) ([]sanctions.Match, error)
}

// Decider evaluates the rule table.
type Decider interface {
	Decide(assessment rules.Assessment, matches []sanctions.Match) rules.Outcome
}

// Auditor appends to the tamper-evident log.
type Auditor interface {
	Append(ctx context.Context, entityType, entityID, action string, payload map[string]any) (*audit.Record, error)
}

// Publisher receives committed transitions.
type Publisher interface {
	Publish(ev events.TransferEvent)
}

// Config carries the screening surface.
type Config struct {
	// MatchThreshold is the minimum similarity (0..100) a match must reach
	// to be considered at all. Default 85.
	MatchThreshold int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{MatchThreshold: 85}
}

// Result is the screening verdict for one transfer.
type Result struct {
	Decision     rules.Decision
	Outcome      rules.Outcome
	PartyMatches map[string][]sanctions.Match
}

// Screener evaluates pending transfers and applies reviewer verdicts.
type Screener struct {
	db        *sql.DB
	transfers ledger.TransferStore
	matcher   NameScreener
	decider   Decider
	auditor   Auditor
	publisher Publisher
	obs       *observability.Provider
	cfg       Config
	logger    *slog.Logger
}

// NewScreener creates a screener. auditor, publisher and obs may be nil.
func NewScreener(db *sql.DB, matcher NameScreener, decider Decider, auditor Auditor, publisher Publisher, obs *observability.Provider, cfg Config) *Screener {
	if cfg.MatchThreshold <= 0 {
		cfg = DefaultConfig()
	}
	return &Screener{
		db:        db,
		matcher:   matcher,
		decider:   decider,
		auditor:   auditor,
		publisher: publisher,
		obs:       obs,
		cfg:       cfg,
		logger:    slog.Default().With("component", "screening"),
	}
}

// Evaluate screens a PENDING transfer. A CLEARED outcome leaves the row
// untouched for the posting path; BLOCKED and MANUAL_REVIEW both move it to
// BLOCKED_AML in its own transaction and publish the transition.
func (s *Screener) Evaluate(ctx context.Context, transferID int64, parties []Party, assessment rules.Assessment) (*Result, error) {
	tr, err := s.transfers.ByID(ctx, s.db, transferID)
	if err != nil {
		return nil, err
	}
	if tr.Status != ledger.StatusPending {
		return nil, fmt.Errorf("%w: transfer %d in state %s cannot be screened",
			ledger.ErrInvalidTransfer, transferID, tr.Status)
	}

	partyMatches := make(map[string][]sanctions.Match, len(parties))
	var merged []sanctions.Match
	for _, p := range parties {
		matches, err := s.matcher.Find(ctx, p.Name, s.cfg.MatchThreshold)
		if err != nil {
			return nil, fmt.Errorf("screen %s: %w", p.Role, err)
		}
		partyMatches[p.Name] = matches
		merged = append(merged, matches...)
	}

	outcome := s.decider.Decide(assessment, merged)
	result := &Result{
		Decision:     outcome.Decision,
		Outcome:      outcome,
		PartyMatches: partyMatches,
	}

	if outcome.Decision == rules.DecisionCleared {
		s.auditScreening(ctx, tr, outcome, parties)
		return result, nil
	}

	// Both BLOCKED and MANUAL_REVIEW hold the transfer for a human.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.transfers.Transition(ctx, tx, transferID, ledger.StatusPending, ledger.StatusBlockedAML); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if s.obs != nil {
		s.obs.RecordBlocked(ctx)
	}
	s.auditScreening(ctx, tr, outcome, parties)
	s.publish(ctx, tr, ledger.StatusBlockedAML)
	return result, nil
}

// ApplyManual applies a reviewer verdict to a BLOCKED_AML transfer.
// APPROVE returns the transfer to PENDING; the caller then runs the posting
// path. REJECT terminates it.
func (s *Screener) ApplyManual(ctx context.Context, transferID int64, decision ManualDecision, reviewer, rationale string) (*ledger.Transfer, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	tr, err := s.transfers.LockByID(ctx, tx, transferID)
	if err != nil {
		return nil, err
	}
	if tr.Status != ledger.StatusBlockedAML {
		_ = tx.Rollback()
		s.auditVerdict(ctx, tr, "REVIEW_REPLAY", decision, reviewer, rationale)
		return nil, fmt.Errorf("%w: transfer %d in state %s", ErrNotBlocked, transferID, tr.Status)
	}

	switch decision {
	case ManualApprove:
		if err := s.transfers.Transition(ctx, tx, transferID, ledger.StatusBlockedAML, ledger.StatusPending); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		s.auditVerdict(ctx, tr, "REVIEW_APPROVED", decision, reviewer, rationale)
		tr.Status = ledger.StatusPending
		return tr, nil

	case ManualReject:
		now := time.Now().UTC()
		if err := s.transfers.MarkRejected(ctx, tx, transferID, now); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		s.auditVerdict(ctx, tr, "REVIEW_REJECTED", decision, reviewer, rationale)
		if s.obs != nil {
			s.obs.RecordRejected(ctx)
		}
		tr.Status = ledger.StatusRejected
		tr.CompletedAt = &now
		s.publish(ctx, tr, ledger.StatusRejected)
		return tr, nil

	default:
		return nil, fmt.Errorf("unknown manual decision %q", decision)
	}
}

func (s *Screener) auditScreening(ctx context.Context, tr *ledger.Transfer, outcome rules.Outcome, parties []Party) {
	if s.auditor == nil {
		return
	}
	names := make([]string, 0, len(parties))
	for _, p := range parties {
		names = append(names, p.Name)
	}
	payload := map[string]any{
		"msg_id":    tr.MsgID,
		"decision":  string(outcome.Decision),
		"risk_adds": outcome.RiskAdds,
		"parties":   names,
	}
	if outcome.BestMatch != nil {
		payload["best_score"] = outcome.BestMatch.Score
		payload["best_sanction_id"] = outcome.BestMatch.Sanction.ID
		payload["best_source"] = string(outcome.BestMatch.Sanction.Source)
	}
	if _, err := s.auditor.Append(ctx, "transfer", fmt.Sprint(tr.ID), "SCREENED", payload); err != nil {
		s.logger.ErrorContext(ctx, "audit append failed",
			"transfer_id", tr.ID, "action", "SCREENED", "error", err)
	}
}

func (s *Screener) auditVerdict(ctx context.Context, tr *ledger.Transfer, action string, decision ManualDecision, reviewer, rationale string) {
	if s.auditor == nil {
		return
	}
	payload := map[string]any{
		"msg_id":    tr.MsgID,
		"decision":  string(decision),
		"reviewer":  reviewer,
		"rationale": rationale,
		"status":    string(tr.Status),
	}
	if _, err := s.auditor.Append(ctx, "transfer", fmt.Sprint(tr.ID), action, payload); err != nil {
		s.logger.ErrorContext(ctx, "audit append failed",
			"transfer_id", tr.ID, "action", action, "error", err)
	}
}

func (s *Screener) publish(ctx context.Context, tr *ledger.Transfer, status ledger.Status) {
	if s.publisher == nil {
		return
	}
	srcIBAN, dstIBAN, err := ledger.TransferIBANs(ctx, s.db, tr.ID)
	if err != nil {
		s.logger.ErrorContext(ctx, "event enrichment failed", "transfer_id", tr.ID, "error", err)
	}
	s.publisher.Publish(events.TransferEvent{
		TransferID:      tr.ID,
		MsgID:           tr.MsgID,
		Status:          string(status),
		Amount:          tr.Amount.StringFixed(6),
		SourceIBAN:      srcIBAN,
		DestinationIBAN: dstIBAN,
		CreatedAt:       tr.CreatedAt,
	})
}
