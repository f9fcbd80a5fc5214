// Package bm25 implements Okapi BM25 scoring over an in-memory inverted
// index built once from a pre-tokenised corpus.
package bm25

import (
	"math"

	"github.com/gciqs/gciqs/internal/retrieval/ranking"
	"github.com/gciqs/gciqs/internal/retrieval/tokenizer"
)

const (
	DefaultK1 = 1.5
	DefaultB  = 0.75
)

// Params holds the BM25 free parameters.
type Params struct {
	K1 float64 `yaml:"k1"`
	B  float64 `yaml:"b"`
}

// DefaultParams returns the standard Okapi parameters.
func DefaultParams() Params {
	return Params{K1: DefaultK1, B: DefaultB}
}

// Postings maps a document position to the raw frequency of a token in that
// document.
type Postings map[int]int

// Index is an immutable BM25 inverted index. Score is safe for concurrent
// use.
type Index struct {
	params   Params
	docLens  []int
	avgDL    float64
	postings map[string]Postings
	idf      map[string]float64
}

// New builds an index from corpus, where corpus[i] is the token sequence of
// the document at position i.
func New(corpus [][]string, params Params) *Index {
	n := len(corpus)
	ix := &Index{
		params:   params,
		docLens:  make([]int, n),
		postings: make(map[string]Postings),
		idf:      make(map[string]float64),
	}

	total := 0
	for pos, tokens := range corpus {
		ix.docLens[pos] = len(tokens)
		total += len(tokens)
		for term, freq := range tokenizer.Counts(tokens) {
			p, ok := ix.postings[term]
			if !ok {
				p = make(Postings)
				ix.postings[term] = p
			}
			p[pos] = freq
		}
	}
	denom := n
	if denom == 0 {
		denom = 1
	}
	ix.avgDL = float64(total) / float64(denom)

	for term, p := range ix.postings {
		ix.idf[term] = computeIDF(int64(n), int64(len(p)))
	}
	return ix
}

// Score ranks every document containing at least one query token and
// returns at most topK of them, best first. Each distinct query token
// contributes once per document that contains it; query-side frequency is
// not weighted. Documents matching no token are omitted.
func (ix *Index) Score(queryTokens []string, topK int) []ranking.Result {
	if topK <= 0 {
		return []ranking.Result{}
	}
	avgDL := ix.avgDL
	if avgDL == 0 {
		avgDL = 1
	}

	scores := make(map[int]float64)
	seen := make(map[string]struct{}, len(queryTokens))
	for _, term := range queryTokens {
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		postings, ok := ix.postings[term]
		if !ok {
			continue
		}
		idf := ix.idf[term]
		for pos, freq := range postings {
			tfNorm := computeTFNorm(
				float64(freq),
				float64(ix.docLens[pos]),
				avgDL,
				ix.params,
			)
			scores[pos] += idf * tfNorm
		}
	}

	return ranking.Top(ranking.FromScores(scores), topK)
}

// Len returns the number of indexed documents.
func (ix *Index) Len() int {
	return len(ix.docLens)
}

// AvgDocLength returns the mean token count per document.
func (ix *Index) AvgDocLength() float64 {
	return ix.avgDL
}

// DocLength returns the token count of the document at pos.
func (ix *Index) DocLength(pos int) int {
	if pos < 0 || pos >= len(ix.docLens) {
		return 0
	}
	return ix.docLens[pos]
}

// IDF returns the BM25 inverse document frequency of term.
func (ix *Index) IDF(term string) (float64, bool) {
	w, ok := ix.idf[term]
	return w, ok
}

// DocFreq returns the number of documents containing term.
func (ix *Index) DocFreq(term string) int {
	return len(ix.postings[term])
}

// Params returns the parameters the index scores with.
func (ix *Index) Params() Params {
	return ix.params
}

func computeIDF(totalDocs int64, docFreq int64) float64 {
	numerator := float64(totalDocs) - float64(docFreq) + 0.5
	denominator := float64(docFreq) + 0.5
	return math.Log(numerator/denominator + 1)
}

func computeTFNorm(termFreq, docLength, avgDocLength float64, p Params) float64 {
	lengthRatio := docLength / avgDocLength
	denominator := termFreq + p.K1*(1-p.B+p.B*lengthRatio)
	return (termFreq * (p.K1 + 1)) / denominator
}
