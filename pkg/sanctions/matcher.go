package sanctions

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

// maxMatches caps the merged result set per screened name.
const maxMatches = 50

// highRiskScore is the risk floor for BK-tree membership; flagged sources
// (OFAC, UN) are included regardless of score.
const highRiskScore = 75

// Store is the database side of the matcher.
type Store interface {
	// HighRisk returns the curated subset the BK-tree is built from.
	HighRisk(ctx context.Context) ([]Entry, error)
	// SimilarTo returns candidates whose similarity to the normalized name
	// is at least minSimilarity (0..1). Completeness over the full table is
	// the contract; precision is re-checked in memory.
	SimilarTo(ctx context.Context, normalized string, minSimilarity float64) ([]Entry, error)
}

// MatcherConfig carries the fuzzy-screening configuration surface.
type MatcherConfig struct {
	BKTreeEnabled bool
	BatchSize     int
}

// DefaultMatcherConfig returns the documented defaults.
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{BKTreeEnabled: true, BatchSize: 100}
}

// Matcher screens names against the sanctions set: BK-tree prefilter over
// the high-risk subset, database trigram fallback for completeness, both
// scored with the same Levenshtein similarity on the same normalized form.
type Matcher struct {
	store  Store
	cfg    MatcherConfig
	tree   atomic.Pointer[BKTree]
	logger *slog.Logger
}

// NewMatcher creates a matcher. Call Refresh before first use if the
// BK-tree is enabled; until then only the database path serves queries.
func NewMatcher(store Store, cfg MatcherConfig) *Matcher {
	return &Matcher{
		store:  store,
		cfg:    cfg,
		logger: slog.Default().With("component", "sanctions_matcher"),
	}
}

// Refresh rebuilds the BK-tree from the high-risk subset and swaps it in
// atomically. Readers during the swap see the old or the new tree, never a
// partially built one.
func (m *Matcher) Refresh(ctx context.Context) error {
	if !m.cfg.BKTreeEnabled {
		return nil
	}
	entries, err := m.store.HighRisk(ctx)
	if err != nil {
		return fmt.Errorf("load high-risk sanctions: %w", err)
	}

	tree := NewBKTree()
	for _, e := range entries {
		tree.Insert(e)
	}
	m.tree.Store(tree)
	m.logger.InfoContext(ctx, "bk-tree refreshed", "entries", tree.Size())
	return nil
}

// Find screens one name. thresholdPct is the minimum similarity (0..100).
func (m *Matcher) Find(ctx context.Context, name string, thresholdPct int) ([]Match, error) {
	normalized := Normalize(name)
	if normalized == "" {
		return nil, nil
	}

	byID := make(map[int64]Match)

	if tree := m.tree.Load(); tree != nil && m.cfg.BKTreeEnabled {
		radius := maxDistanceFor(normalized, thresholdPct)
		for _, entry := range tree.Search(normalized, radius) {
			score := Similarity(normalized, entry.NormalizedName)
			if score >= float64(thresholdPct) {
				keepBetter(byID, Match{Sanction: entry, Score: score, Algorithm: AlgorithmBKTree})
			}
		}
	}

	// The database pass widens coverage to the full table.
	candidates, err := m.store.SimilarTo(ctx, normalized, float64(thresholdPct)/100)
	if err != nil {
		return nil, fmt.Errorf("sanctions similarity query: %w", err)
	}
	for _, entry := range candidates {
		score := Similarity(normalized, entry.NormalizedName)
		if score >= float64(thresholdPct) {
			keepBetter(byID, Match{Sanction: entry, Score: score, Algorithm: AlgorithmTrigram})
		}
	}

	matches := make([]Match, 0, len(byID))
	for _, match := range byID {
		matches = append(matches, match)
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Sanction.ID < matches[j].Sanction.ID
	})
	if len(matches) > maxMatches {
		matches = matches[:maxMatches]
	}
	return matches, nil
}

// FindAll screens a list of names, keyed by the input name. Names are
// screened in batches of BatchSize, concurrently within each batch, so one
// bulk screening cannot flood the database with unbounded parallel queries.
func (m *Matcher) FindAll(ctx context.Context, names []string, thresholdPct int) (map[string][]Match, error) {
	batch := m.cfg.BatchSize
	if batch <= 0 {
		batch = DefaultMatcherConfig().BatchSize
	}

	results := make(map[string][]Match, len(names))
	for start := 0; start < len(names); start += batch {
		end := start + batch
		if end > len(names) {
			end = len(names)
		}

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			firstErr error
		)
		for _, name := range names[start:end] {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				matches, err := m.Find(ctx, name, thresholdPct)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if firstErr == nil {
						firstErr = err
					}
					return
				}
				results[name] = matches
			}(name)
		}
		wg.Wait()
		if firstErr != nil {
			return nil, firstErr
		}
	}
	return results, nil
}

// keepBetter deduplicates by sanction id, preferring the higher score.
func keepBetter(byID map[int64]Match, candidate Match) {
	existing, ok := byID[candidate.Sanction.ID]
	if !ok || candidate.Score > existing.Score {
		byID[candidate.Sanction.ID] = candidate
	}
}

// maxDistanceFor derives the BK-tree query radius from the similarity
// threshold and the compared string's length, with one unit of slack for
// length differences against the indexed names.
func maxDistanceFor(normalized string, thresholdPct int) int {
	length := len([]rune(normalized))
	return int(math.Floor(float64(length)*float64(100-thresholdPct)/100)) + 1
}
