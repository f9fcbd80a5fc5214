// Package ranking defines the scored result record shared by the retrieval
// scorers and the best-first ordering they all agree on.
package ranking

import (
	"cmp"
	"math"
	"slices"
)

// Result is one scored document. Position is the document's index in the
// corpus sequence the index was built from.
type Result struct {
	Position int     `json:"position"`
	Score    float64 `json:"score"`
}

// Sort orders results best-first: descending score, ties broken by ascending
// position.
func Sort(results []Result) {
	slices.SortFunc(results, func(a, b Result) int {
		return cmp.Or(cmp.Compare(b.Score, a.Score), cmp.Compare(a.Position, b.Position))
	})
}

// Top sorts results best-first and truncates them to at most k entries.
// k <= 0 yields an empty slice.
func Top(results []Result, k int) []Result {
	if k <= 0 {
		return []Result{}
	}
	Sort(results)
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// FromScores converts an accumulator keyed by position into results,
// dropping entries whose score is not strictly positive.
func FromScores(scores map[int]float64) []Result {
	results := make([]Result, 0, len(scores))
	for pos, score := range scores {
		if score > 0 {
			results = append(results, Result{Position: pos, Score: score})
		}
	}
	return results
}

// Round rounds score to the given number of decimal places.
func Round(score float64, places int) float64 {
	if places < 0 {
		return score
	}
	pow := math.Pow10(places)
	return math.Round(score*pow) / pow
}
