//go:build property
// +build property

package sanctions

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestSimilarityProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("similarity is bounded in [0,100]", prop.ForAll(
		func(a, b string) bool {
			s := Similarity(a, b)
			return s >= 0 && s <= 100
		},
		gen.AnyString(), gen.AnyString(),
	))

	properties.Property("similarity is symmetric", prop.ForAll(
		func(a, b string) bool {
			return Similarity(a, b) == Similarity(b, a)
		},
		gen.AnyString(), gen.AnyString(),
	))

	properties.Property("identity scores 100", prop.ForAll(
		func(a string) bool {
			return Similarity(a, a) == 100
		},
		gen.AnyString(),
	))

	properties.Property("empty vs non-empty scores 0", prop.ForAll(
		func(a string) bool {
			if a == "" {
				return true
			}
			return Similarity("", a) == 0 && Similarity(a, "") == 0
		},
		gen.AnyString(),
	))

	properties.Property("distance satisfies the triangle inequality", prop.ForAll(
		func(a, b, c string) bool {
			return Levenshtein(a, c) <= Levenshtein(a, b)+Levenshtein(b, c)
		},
		gen.AlphaString(), gen.AlphaString(), gen.AlphaString(),
	))

	properties.TestingRun(t)
}
