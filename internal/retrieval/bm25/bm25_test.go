package bm25

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gciqs/gciqs/internal/retrieval/tokenizer"
)

func tokenized(texts ...string) [][]string {
	out := make([][]string, len(texts))
	for i, text := range texts {
		out[i] = tokenizer.Tokenize(text)
	}
	return out
}

var cancerCorpus = tokenized(
	"BRCA1 mutation causes breast cancer",
	"KRAS mutation drives pancreatic cancer",
	"general overview of cancer genetics",
)

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	assert.Equal(t, 1.5, p.K1)
	assert.Equal(t, 0.75, p.B)
}

func TestNewBuildsInvertedIndex(t *testing.T) {
	ix := New(cancerCorpus, DefaultParams())
	assert.Equal(t, 3, ix.Len())
	assert.Equal(t, 5, ix.DocLength(0))
	assert.InDelta(t, 5.0, ix.AvgDocLength(), 1e-12)
	assert.Equal(t, 3, ix.DocFreq("cancer"))
	assert.Equal(t, 2, ix.DocFreq("mutation"))
	assert.Equal(t, 0, ix.DocFreq("egfr"))

	idf, ok := ix.IDF("brca1")
	require.True(t, ok)
	assert.InDelta(t, math.Log((3-1+0.5)/(1+0.5)+1), idf, 1e-12)
}

func TestScoreMatchesOkapiFormula(t *testing.T) {
	corpus := tokenized("tp53 tp53 apoptosis", "tp53 p21 arrest senescence program")
	ix := New(corpus, DefaultParams())

	got := ix.Score([]string{"tp53"}, 10)
	require.Len(t, got, 2)

	avg := (3.0 + 5.0) / 2
	idf := math.Log((2-2+0.5)/(2+0.5) + 1)
	expect := func(tf, dl float64) float64 {
		return idf * tf * (1.5 + 1) / (tf + 1.5*(1-0.75+0.75*dl/avg))
	}
	assert.Equal(t, 0, got[0].Position)
	assert.InDelta(t, expect(2, 3), got[0].Score, 1e-12)
	assert.InDelta(t, expect(1, 5), got[1].Score, 1e-12)
}

func TestScoreOmitsNonMatchingDocuments(t *testing.T) {
	ix := New(cancerCorpus, DefaultParams())
	got := ix.Score(tokenizer.Tokenize("BRCA1 breast"), 10)
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].Position)
	assert.Greater(t, got[0].Score, 0.0)
}

func TestScoreRanksExactOverlapFirst(t *testing.T) {
	ix := New(cancerCorpus, DefaultParams())
	got := ix.Score(tokenizer.Tokenize("BRCA1 breast cancer"), 10)
	require.Len(t, got, 3)
	assert.Equal(t, 0, got[0].Position)
}

func TestScoreIgnoresQueryTermFrequency(t *testing.T) {
	ix := New(cancerCorpus, DefaultParams())
	once := ix.Score([]string{"kras", "cancer"}, 10)
	repeated := ix.Score([]string{"kras", "kras", "cancer", "kras"}, 10)
	assert.Equal(t, once, repeated)
}

func TestScoreTopKAndTies(t *testing.T) {
	ix := New(tokenized("egfr", "egfr", "egfr", "braf"), DefaultParams())
	got := ix.Score([]string{"egfr"}, 2)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].Position)
	assert.Equal(t, 1, got[1].Position)
	assert.Equal(t, got[0].Score, got[1].Score)

	assert.Empty(t, ix.Score([]string{"egfr"}, 0))
	assert.Empty(t, ix.Score(nil, 5))
	assert.Empty(t, ix.Score([]string{"unknown"}, 5))
}

func TestEmptyCorpusAndEmptyDocuments(t *testing.T) {
	empty := New(nil, DefaultParams())
	assert.Equal(t, 0, empty.Len())
	assert.Zero(t, empty.AvgDocLength())
	assert.Empty(t, empty.Score([]string{"cancer"}, 5))

	blanks := New(tokenized("", "..."), DefaultParams())
	assert.Equal(t, 2, blanks.Len())
	assert.Empty(t, blanks.Score([]string{"cancer"}, 5))

	mixed := New(tokenized("", "her2 amplification"), DefaultParams())
	got := mixed.Score([]string{"her2"}, 5)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Position)
	assert.False(t, math.IsNaN(got[0].Score))
}

func TestCustomParams(t *testing.T) {
	corpus := tokenized("mlh1 lynch", "mlh1 mlh1 mlh1 lynch syndrome mismatch repair deficiency")
	flat := New(corpus, Params{K1: 1.5, B: 0})
	got := flat.Score([]string{"mlh1"}, 2)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Position, "without length normalisation the higher tf wins")
	assert.Equal(t, Params{K1: 1.5, B: 0}, flat.Params())
}
