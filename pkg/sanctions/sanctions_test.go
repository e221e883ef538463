package sanctions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// The normalization is shared by ingestion and screening; these cases are
// pinned; changing any of them silently desynchronizes the two sides.
func TestNormalizePinned(t *testing.T) {
	cases := map[string]string{
		"Osama Bin Laden":        "OSAMA BIN LADEN",
		"  osama   bin  laden  ": "OSAMA BIN LADEN",
		"O'Brien, John-Paul":     "O BRIEN JOHN PAUL",
		"Müller & Söhne GmbH":    "MULLER SOHNE GMBH",
		"José María":             "JOSE MARIA",
		"ACME Corp. (Cayman)":    "ACME CORP CAYMAN",
		"":                       "",
		"...---...":              "",
		"ABC123 Ltd.":            "ABC123 LTD",
	}
	for input, want := range cases {
		assert.Equal(t, want, Normalize(input), "input %q", input)
	}
}

func TestLevenshtein(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"", "abc", 3},
		{"abc", "", 3},
		{"abc", "abc", 0},
		{"kitten", "sitting", 3},
		{"flaw", "lawn", 2},
		{"OSAMA BIN LADEN", "OSAMA BIN LADIN", 1},
		{"gumbo", "gambol", 2},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Levenshtein(tc.a, tc.b), "%q vs %q", tc.a, tc.b)
		assert.Equal(t, tc.want, Levenshtein(tc.b, tc.a), "%q vs %q (symmetric)", tc.b, tc.a)
	}
}

func TestSimilarityEdgeCases(t *testing.T) {
	assert.Equal(t, float64(100), Similarity("", ""))
	assert.Equal(t, float64(100), Similarity("ABC", "ABC"))
	assert.Equal(t, float64(0), Similarity("", "ABC"))
	assert.Equal(t, float64(0), Similarity("ABC", ""))

	// 1 edit over 15 runes.
	got := Similarity("OSAMA BIN LADEN", "OSAMA BIN LADIN")
	assert.InDelta(t, 93.33, got, 0.01)
}

func TestBKTreeSearch(t *testing.T) {
	tree := NewBKTree()
	entries := []Entry{
		{ID: 1, NormalizedName: "OSAMA BIN LADEN", Source: SourceOFAC, RiskScore: 95},
		{ID: 2, NormalizedName: "SADDAM HUSSEIN", Source: SourceUN, RiskScore: 90},
		{ID: 3, NormalizedName: "ACME TRADING", Source: SourceEU, RiskScore: 80},
	}
	for _, e := range entries {
		tree.Insert(e)
	}
	assert.Equal(t, 3, tree.Size())

	hits := tree.Search("OSAMA BIN LADIN", 2)
	if assert.Len(t, hits, 1) {
		assert.Equal(t, int64(1), hits[0].ID)
	}

	assert.Empty(t, tree.Search("JOHN SMITH", 2))
}

func TestBKTreeDuplicateNormalizedFormKeepsHigherRisk(t *testing.T) {
	tree := NewBKTree()
	tree.Insert(Entry{ID: 1, NormalizedName: "ACME", RiskScore: 60})
	tree.Insert(Entry{ID: 2, NormalizedName: "ACME", RiskScore: 90})

	assert.Equal(t, 1, tree.Size())
	hits := tree.Search("ACME", 0)
	if assert.Len(t, hits, 1) {
		assert.Equal(t, 90, hits[0].RiskScore)
	}
}

func TestMaxDistanceFor(t *testing.T) {
	// 15 runes at threshold 85 → floor(15*0.15)+1 = 3.
	assert.Equal(t, 3, maxDistanceFor("OSAMA BIN LADEN", 85))
	// Exact-match threshold still allows the length-difference slack.
	assert.Equal(t, 1, maxDistanceFor("ACME", 100))
}
