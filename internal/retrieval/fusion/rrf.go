// Package fusion merges independently ranked result lists with Reciprocal
// Rank Fusion. Only rank positions matter, so lists whose scores live on
// incomparable scales (cosine similarity, BM25) fuse without normalisation.
package fusion

import (
	"container/heap"

	"github.com/gciqs/gciqs/internal/retrieval/ranking"
)

// DefaultK is the standard RRF smoothing constant.
const DefaultK = 60

// RRF fuses rankings by summing 1/(K + rank + 1) per list, rank being
// zero-based.
type RRF struct {
	K int
}

// New returns an RRF with constant k, or DefaultK when k <= 0.
func New(k int) *RRF {
	if k <= 0 {
		k = DefaultK
	}
	return &RRF{K: k}
}

// Fuse returns every document appearing in any ranking, ordered by
// descending fused score with ties broken by ascending position. Each input
// must already be sorted best-first; its scores are ignored.
func (f *RRF) Fuse(rankings ...[]ranking.Result) []ranking.Result {
	fused := f.accumulate(rankings)
	ranking.Sort(fused)
	return fused
}

// Top returns the first limit entries of Fuse without sorting the whole
// fused set. limit <= 0 yields an empty slice.
func (f *RRF) Top(limit int, rankings ...[]ranking.Result) []ranking.Result {
	if limit <= 0 {
		return []ranking.Result{}
	}
	h := &resultHeap{}
	heap.Init(h)
	for _, r := range f.accumulate(rankings) {
		heap.Push(h, r)
		if h.Len() > limit {
			heap.Pop(h)
		}
	}
	result := make([]ranking.Result, h.Len())
	for i := len(result) - 1; i >= 0; i-- {
		result[i] = heap.Pop(h).(ranking.Result)
	}
	return result
}

func (f *RRF) accumulate(rankings [][]ranking.Result) []ranking.Result {
	k := f.K
	if k <= 0 {
		k = DefaultK
	}
	scores := make(map[int]float64)
	order := make([]int, 0)
	for _, list := range rankings {
		for rank, r := range list {
			if _, ok := scores[r.Position]; !ok {
				order = append(order, r.Position)
			}
			scores[r.Position] += 1.0 / float64(k+rank+1)
		}
	}
	out := make([]ranking.Result, 0, len(order))
	for _, pos := range order {
		out = append(out, ranking.Result{Position: pos, Score: scores[pos]})
	}
	return out
}

// resultHeap is a min-heap on the best-first order, so the root is the
// weakest entry kept so far.
type resultHeap []ranking.Result

func (h resultHeap) Len() int { return len(h) }

func (h resultHeap) Less(i, j int) bool {
	if h[i].Score != h[j].Score {
		return h[i].Score < h[j].Score
	}
	return h[i].Position > h[j].Position
}

func (h resultHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *resultHeap) Push(x any) {
	*h = append(*h, x.(ranking.Result))
}

func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
