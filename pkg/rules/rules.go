// Package rules implements the risk-based compliance decision: an ordered
// decision table over the best-scoring sanctions match, the transfer amount
// and the match source, evaluated top-down with first match winning.
package rules

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"

	"github.com/settleline/rtgs/pkg/sanctions"
)

// Decision is the screening outcome.
type Decision string

const (
	DecisionCleared      Decision = "CLEARED"
	DecisionBlocked      Decision = "BLOCKED"
	DecisionManualReview Decision = "MANUAL_REVIEW"
)

// lowBar is the floor below which a match carries no decision weight.
const lowBar = 50

// Config carries the rule thresholds. All defaults are explicit.
type Config struct {
	HighRiskThreshold   int             // default 90
	MediumRiskThreshold int             // default 75
	AmountThreshold     decimal.Decimal // default 10000
	// EscalationExpr is an optional CEL predicate over
	// {amount, currency, best_score, match_count}; when it evaluates true
	// a CLEARED outcome is upgraded to MANUAL_REVIEW. It never downgrades.
	EscalationExpr string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		HighRiskThreshold:   90,
		MediumRiskThreshold: 75,
		AmountThreshold:     decimal.NewFromInt(10000),
	}
}

// Assessment is the transfer context the table is evaluated against.
type Assessment struct {
	Amount   decimal.Decimal
	Currency string
}

// Outcome carries the decision and the evidence behind it.
type Outcome struct {
	Decision  Decision
	BestMatch *sanctions.Match
	RiskAdds  int
}

// Engine evaluates the decision table.
type Engine struct {
	cfg        Config
	escalation cel.Program
	logger     *slog.Logger
}

// NewEngine creates a rule engine; the optional escalation expression is
// compiled once here.
func NewEngine(cfg Config) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		logger: slog.Default().With("component", "rules"),
	}

	if cfg.EscalationExpr != "" {
		env, err := cel.NewEnv(
			cel.Variable("amount", cel.DoubleType),
			cel.Variable("currency", cel.StringType),
			cel.Variable("best_score", cel.DoubleType),
			cel.Variable("match_count", cel.IntType),
		)
		if err != nil {
			return nil, fmt.Errorf("rules: cel environment: %w", err)
		}
		ast, iss := env.Compile(cfg.EscalationExpr)
		if iss.Err() != nil {
			return nil, fmt.Errorf("rules: escalation expression: %w", iss.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("rules: escalation program: %w", err)
		}
		e.escalation = prg
	}
	return e, nil
}

// Decide applies the table top-down; the first matching row wins.
func (e *Engine) Decide(assessment Assessment, matches []sanctions.Match) Outcome {
	best := bestMatch(matches)
	outcome := Outcome{Decision: DecisionCleared, BestMatch: best}

	if best != nil {
		outcome.RiskAdds = e.riskAdds(assessment, *best)

		switch {
		case best.Score >= float64(e.cfg.HighRiskThreshold):
			outcome.Decision = DecisionBlocked
			return outcome
		case best.Score >= float64(e.cfg.MediumRiskThreshold) && outcome.RiskAdds >= 5:
			outcome.Decision = DecisionBlocked
			return outcome
		case best.Score >= float64(e.cfg.MediumRiskThreshold):
			outcome.Decision = DecisionManualReview
			return outcome
		case best.Score >= lowBar && assessment.Amount.GreaterThan(e.cfg.AmountThreshold):
			outcome.Decision = DecisionManualReview
			return outcome
		}
	}

	if e.escalate(assessment, best, len(matches)) {
		outcome.Decision = DecisionManualReview
	}
	return outcome
}

// riskAdds accumulates the additive risk factors for the best match.
func (e *Engine) riskAdds(assessment Assessment, best sanctions.Match) int {
	adds := 0
	if assessment.Amount.GreaterThan(e.cfg.AmountThreshold) {
		adds += 2
	}
	switch best.Sanction.Source {
	case sanctions.SourceOFAC, sanctions.SourceUN:
		adds += 3
	case sanctions.SourceEU:
		adds += 2
	default:
		adds++
	}
	switch {
	case best.Sanction.RiskScore >= 90:
		adds += 3
	case best.Sanction.RiskScore >= 75:
		adds += 2
	}
	return adds
}

func (e *Engine) escalate(assessment Assessment, best *sanctions.Match, matchCount int) bool {
	if e.escalation == nil {
		return false
	}
	bestScore := 0.0
	if best != nil {
		bestScore = best.Score
	}
	out, _, err := e.escalation.Eval(map[string]any{
		"amount":      assessment.Amount.InexactFloat64(),
		"currency":    assessment.Currency,
		"best_score":  bestScore,
		"match_count": matchCount,
	})
	if err != nil {
		// Advisory hook: an erroring operator expression must not decide
		// anything; the fixed table already produced the outcome.
		e.logger.Error("escalation expression failed", "error", err)
		return false
	}
	result, ok := out.Value().(bool)
	return ok && result
}

func bestMatch(matches []sanctions.Match) *sanctions.Match {
	var best *sanctions.Match
	for i := range matches {
		if best == nil || matches[i].Score > best.Score {
			best = &matches[i]
		}
	}
	return best
}
