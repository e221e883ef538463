// Package sanctions implements the fuzzy-name screening primitives: the
// shared name normalization, Levenshtein similarity, a BK-tree prefilter
// over the high-risk subset, and the matcher that merges the in-memory and
// database search paths.
package sanctions

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Source identifies the issuing sanctions list.
type Source string

const (
	SourceOFAC  Source = "OFAC"
	SourceUN    Source = "UN"
	SourceEU    Source = "EU"
	SourceOther Source = "OTHER"
)

// Entry is one sanctioned party. Deduplication key: (NormalizedName, Source).
type Entry struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	NormalizedName string `json:"normalized_name"`
	Source         Source `json:"source"`
	RiskScore      int    `json:"risk_score"` // 0..100
}

// Match is a screening hit.
type Match struct {
	Sanction  Entry   `json:"sanction"`
	Score     float64 `json:"score"` // 0..100 Levenshtein similarity
	Algorithm string  `json:"algorithm"`
}

// Algorithms recorded on matches.
const (
	AlgorithmBKTree  = "BK_TREE"
	AlgorithmTrigram = "PG_TRGM"
)

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize maps a party name to the canonical screening form: diacritics
// stripped, uppercased, punctuation removed, whitespace collapsed.
//
// Ingestion and screening must use this exact function; the BK-tree and the
// trigram index both operate on its output, so any drift between the two
// sides silently breaks score comparability.
func Normalize(name string) string {
	s, _, err := transform.String(stripMarks, name)
	if err != nil {
		s = name
	}
	s = strings.ToUpper(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Levenshtein computes the classic edit distance with a two-row DP; the
// shorter string drives the inner loop dimension.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) < len(rb) {
		ra, rb = rb, ra
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// Similarity returns 100·(1 − distance/max(|a|,|b|)).
//
// Identical strings (including two empties) score 100; one empty against a
// non-empty scores 0.
func Similarity(a, b string) float64 {
	if a == b {
		return 100
	}
	la, lb := len([]rune(a)), len([]rune(b))
	if la == 0 || lb == 0 {
		return 0
	}
	longest := la
	if lb > longest {
		longest = lb
	}
	return 100 * (1 - float64(Levenshtein(a, b))/float64(longest))
}
