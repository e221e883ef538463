package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Breach identifies a chain that failed verification.
type Breach struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

// VerificationResult summarizes one sweep.
type VerificationResult struct {
	Scope          string        `json:"scope"` // "active" or "full"
	ChainsVerified int           `json:"chains_verified"`
	Breaches       []Breach      `json:"breaches"`
	Duration       time.Duration `json:"duration"`
	StartedAt      time.Time     `json:"started_at"`
}

// BreachHandler receives every detected breach. It must not block.
type BreachHandler func(Breach)

// Verifier runs the scheduled chain-integrity sweeps: hourly over chains
// active in the last 24 hours, and daily at a fixed wall-clock time over
// every chain in the store. A breach raises the handler and the sweep
// continues; one broken chain must not hide another.
type Verifier struct {
	log      *Log
	logger   *slog.Logger
	onBreach BreachHandler

	hourlyEnabled bool
	dailyAt       string // "HH:MM", wall clock UTC
}

// NewVerifier creates a verifier over the audit log.
func NewVerifier(log *Log, hourlyEnabled bool, dailyAt string, onBreach BreachHandler) *Verifier {
	if onBreach == nil {
		onBreach = func(Breach) {}
	}
	return &Verifier{
		log:           log,
		logger:        slog.Default().With("component", "audit_verifier"),
		onBreach:      onBreach,
		hourlyEnabled: hourlyEnabled,
		dailyAt:       dailyAt,
	}
}

// RunOnce verifies either the active chains (last 24h) or the full store.
// It is the manual trigger entry point.
func (v *Verifier) RunOnce(ctx context.Context, full bool) (*VerificationResult, error) {
	started := time.Now().UTC()
	result := &VerificationResult{Scope: "active", StartedAt: started}

	var activeSince *time.Time
	if full {
		result.Scope = "full"
	} else {
		since := started.Add(-24 * time.Hour)
		activeSince = &since
	}

	refs, err := v.log.Entities(ctx, activeSince)
	if err != nil {
		return nil, fmt.Errorf("list audit chains: %w", err)
	}

	for _, ref := range refs {
		ok, err := v.log.Verify(ctx, ref.EntityType, ref.EntityID)
		if err != nil {
			return nil, fmt.Errorf("verify chain %s/%s: %w", ref.EntityType, ref.EntityID, err)
		}
		result.ChainsVerified++
		if !ok {
			breach := Breach{EntityType: ref.EntityType, EntityID: ref.EntityID}
			result.Breaches = append(result.Breaches, breach)
			v.logger.ErrorContext(ctx, "audit chain breach detected",
				"entity_type", breach.EntityType, "entity_id", breach.EntityID)
			v.onBreach(breach)
		}
	}
	result.Duration = time.Since(started)

	if _, err := v.log.Append(ctx, "audit_verifier", result.Scope, "CHAIN_SWEEP", map[string]any{
		"scope":           result.Scope,
		"chains_verified": result.ChainsVerified,
		"breaches_found":  len(result.Breaches),
		"duration_ms":     result.Duration.Milliseconds(),
		"started_at":      result.StartedAt,
	}); err != nil {
		// The sweep result stands even if its own record could not be written.
		v.logger.ErrorContext(ctx, "failed to audit sweep summary", "error", err)
	}

	return result, nil
}

// Start runs the periodic sweeps until ctx is cancelled.
func (v *Verifier) Start(ctx context.Context) {
	if v.hourlyEnabled {
		go v.loopHourly(ctx)
	}
	go v.loopDaily(ctx)
}

func (v *Verifier) loopHourly(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := v.RunOnce(ctx, false); err != nil {
				v.logger.ErrorContext(ctx, "hourly sweep failed", "error", err)
			}
		}
	}
}

func (v *Verifier) loopDaily(ctx context.Context) {
	for {
		wait := untilNext(v.dailyAt, time.Now().UTC())
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			if _, err := v.RunOnce(ctx, true); err != nil {
				v.logger.ErrorContext(ctx, "daily sweep failed", "error", err)
			}
		}
	}
}

// untilNext returns the duration until the next occurrence of "HH:MM" UTC.
func untilNext(hhmm string, now time.Time) time.Duration {
	var hh, mm int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &hh, &mm); err != nil {
		hh, mm = 2, 0
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}
