// Package tfidf implements a sparse TF-IDF vector space over a fixed corpus.
// Fit builds the vocabulary, the smoothed IDF table and one L2-normalised
// vector per document; Query ranks documents by cosine similarity against a
// query vectorised with the fitted IDF table.
package tfidf

import (
	"math"
	"sort"

	"github.com/gciqs/gciqs/internal/retrieval/ranking"
	"github.com/gciqs/gciqs/internal/retrieval/tokenizer"
)

// Vector is a sparse weight vector keyed by token. An absent token has
// weight zero.
type Vector map[string]float64

// Index is a fitted TF-IDF vector space. The zero value is an empty index
// that matches nothing. Fit must not run concurrently with Query; once
// fitted, Query is safe for concurrent use.
type Index struct {
	vocab   map[string]int
	idf     map[string]float64
	vectors []Vector
}

// New returns an empty, unfitted index.
func New() *Index {
	return &Index{
		vocab: make(map[string]int),
		idf:   make(map[string]float64),
	}
}

// Fit replaces all prior state with a vocabulary, IDF table and document
// vectors built from texts. Document i of the fitted index is texts[i].
func (ix *Index) Fit(texts []string) {
	n := len(texts)
	docFreq := make(map[string]int)
	perDoc := make([][]string, n)
	for i, text := range texts {
		tokens := tokenizer.Tokenize(text)
		perDoc[i] = tokens
		seen := make(map[string]struct{}, len(tokens))
		for _, t := range tokens {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			docFreq[t]++
		}
	}

	terms := make([]string, 0, len(docFreq))
	for t := range docFreq {
		terms = append(terms, t)
	}
	sort.Strings(terms)
	vocab := make(map[string]int, len(terms))
	idf := make(map[string]float64, len(terms))
	for i, t := range terms {
		vocab[t] = i
		idf[t] = smoothedIDF(n, docFreq[t])
	}

	vectors := make([]Vector, n)
	for i, tokens := range perDoc {
		vectors[i] = weigh(tokens, idf)
	}

	ix.vocab = vocab
	ix.idf = idf
	ix.vectors = vectors
}

// Query vectorises text with the fitted IDF table and returns at most topK
// documents with cosine similarity > 0, best first. Out-of-vocabulary
// tokens contribute nothing.
func (ix *Index) Query(text string, topK int) []ranking.Result {
	if topK <= 0 {
		return []ranking.Result{}
	}
	tokens := tokenizer.Tokenize(text)
	order := firstOccurrence(tokens)
	q := weigh(tokens, ix.idf)
	if len(q) == 0 {
		return []ranking.Result{}
	}

	results := make([]ranking.Result, 0)
	for pos, doc := range ix.vectors {
		var sim float64
		for _, t := range order {
			qw, inQuery := q[t]
			dw, inDoc := doc[t]
			if !inQuery || !inDoc {
				continue
			}
			sim += qw * dw
		}
		if sim > 0 {
			results = append(results, ranking.Result{Position: pos, Score: sim})
		}
	}
	return ranking.Top(results, topK)
}

// Len returns the number of fitted documents.
func (ix *Index) Len() int {
	return len(ix.vectors)
}

// VocabularySize returns the number of distinct tokens in the fitted corpus.
func (ix *Index) VocabularySize() int {
	return len(ix.vocab)
}

// Vocabulary lists the fitted tokens in index order (lexicographic).
func (ix *Index) Vocabulary() []string {
	terms := make([]string, len(ix.vocab))
	for t, i := range ix.vocab {
		terms[i] = t
	}
	return terms
}

// IDF returns the smoothed inverse document frequency of token.
func (ix *Index) IDF(token string) (float64, bool) {
	w, ok := ix.idf[token]
	return w, ok
}

// DocumentVector returns a copy of the vector of the document at pos.
func (ix *Index) DocumentVector(pos int) (Vector, bool) {
	if pos < 0 || pos >= len(ix.vectors) {
		return nil, false
	}
	out := make(Vector, len(ix.vectors[pos]))
	for t, w := range ix.vectors[pos] {
		out[t] = w
	}
	return out, true
}

// Norm returns the L2 norm of v.
func Norm(v Vector) float64 {
	terms := make([]string, 0, len(v))
	for t := range v {
		terms = append(terms, t)
	}
	sort.Strings(terms)
	var sum float64
	for _, t := range terms {
		sum += v[t] * v[t]
	}
	return math.Sqrt(sum)
}

// smoothedIDF is log(N / (df+1)) + 1.
func smoothedIDF(n, df int) float64 {
	return math.Log(float64(n)/float64(df+1)) + 1
}

// weigh builds the L2-normalised TF-IDF vector of tokens. Term frequency is
// normalised by the token count (an empty token list counts as length 1),
// tokens without an IDF weight are dropped, and an all-zero vector is left
// unscaled.
func weigh(tokens []string, idf map[string]float64) Vector {
	length := len(tokens)
	if length == 0 {
		length = 1
	}
	counts := tokenizer.Counts(tokens)
	order := firstOccurrence(tokens)

	vec := make(Vector, len(order))
	var sumSquares float64
	for _, t := range order {
		w, ok := idf[t]
		if !ok {
			continue
		}
		weight := float64(counts[t]) / float64(length) * w
		vec[t] = weight
		sumSquares += weight * weight
	}
	norm := math.Sqrt(sumSquares)
	if norm == 0 {
		norm = 1
	}
	for t := range vec {
		vec[t] /= norm
	}
	return vec
}

// firstOccurrence returns the distinct tokens in the order they first
// appear. Accumulating in this order keeps floating-point sums reproducible.
func firstOccurrence(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	order := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		order = append(order, t)
	}
	return order
}
