// Package retrieval is the hybrid retriever. It owns one immutable snapshot
// of the corpus together with its TF-IDF and BM25 indexes, runs both scorers
// for every query and fuses their rankings with reciprocal rank fusion.
//
// A Retriever starts unbuilt. Build loads the corpus and swaps in a complete
// new snapshot; searches in flight keep the snapshot they started with.
// Concurrent builds, explicit or on demand, collapse into one.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gciqs/gciqs/internal/corpus"
	"github.com/gciqs/gciqs/internal/retrieval/bm25"
	"github.com/gciqs/gciqs/internal/retrieval/fusion"
	"github.com/gciqs/gciqs/internal/retrieval/ranking"
	"github.com/gciqs/gciqs/internal/retrieval/tfidf"
	"github.com/gciqs/gciqs/internal/retrieval/tokenizer"
	apperrors "github.com/gciqs/gciqs/pkg/errors"
	"github.com/gciqs/gciqs/pkg/tracing"
)

// ErrNotBuilt is returned by Search when no index exists and build on demand
// is disabled.
var ErrNotBuilt = fmt.Errorf("%w: build on demand is disabled", apperrors.ErrIndexNotBuilt)

// Search stages reported to the Observer.
const (
	StageTFIDF = "tfidf"
	StageBM25  = "bm25"
	StageFuse  = "fuse"
	StageTotal = "total"
)

// Options tunes the retriever.
type Options struct {
	BM25 bm25.Params
	RRFK int
	// CandidateMultiplier sets how many candidates each scorer contributes
	// to fusion: topK * CandidateMultiplier.
	CandidateMultiplier int
	// ScorePrecision is the number of decimal places kept in Hit.Score. Fused
	// scores never exceed 2/(RRFK+1), so fewer than one place would round
	// every hit to zero; values below 1 fall back to the default of 4.
	ScorePrecision int
	BuildOnDemand  bool
	Observer       Observer
}

// DefaultOptions returns k1=1.5, b=0.75, k=60, 2x over-fetch and four
// decimal places, with build on demand enabled.
func DefaultOptions() Options {
	return Options{
		BM25:                bm25.DefaultParams(),
		RRFK:                fusion.DefaultK,
		CandidateMultiplier: 2,
		ScorePrecision:      4,
		BuildOnDemand:       true,
	}
}

// Hit is a retrieved document with its fused score.
type Hit struct {
	corpus.Document
	Score float64 `json:"score"`
}

// Stats describes the live index.
type Stats struct {
	Built         bool          `json:"built"`
	Documents     int           `json:"documents"`
	Vocabulary    int           `json:"vocabulary"`
	AvgDocLength  float64       `json:"avg_doc_length"`
	Generation    uint64        `json:"generation"`
	BuiltAt       time.Time     `json:"built_at,omitzero"`
	BuildDuration time.Duration `json:"build_duration_ns"`
}

type snapshot struct {
	docs       []corpus.Document
	tfidf      *tfidf.Index
	bm25       *bm25.Index
	generation uint64
	builtAt    time.Time
	took       time.Duration
}

// Retriever serves hybrid searches over a corpus.Source.
type Retriever struct {
	source     corpus.Source
	opts       Options
	fusion     *fusion.RRF
	observer   Observer
	current    atomic.Pointer[snapshot]
	generation atomic.Uint64
	builds     singleflight.Group
	logger     *slog.Logger
}

// New returns an unbuilt Retriever. Non-positive numeric options fall back to
// their defaults. BuildOnDemand is taken as given.
func New(source corpus.Source, opts Options) *Retriever {
	defaults := DefaultOptions()
	if opts.BM25 == (bm25.Params{}) {
		opts.BM25 = defaults.BM25
	}
	if opts.RRFK <= 0 {
		opts.RRFK = defaults.RRFK
	}
	if opts.CandidateMultiplier <= 0 {
		opts.CandidateMultiplier = defaults.CandidateMultiplier
	}
	if opts.ScorePrecision <= 0 {
		opts.ScorePrecision = defaults.ScorePrecision
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Retriever{
		source:   source,
		opts:     opts,
		fusion:   fusion.New(opts.RRFK),
		observer: observer,
		logger:   slog.Default().With("component", "retriever"),
	}
}

// Build loads the corpus and replaces both indexes. Callers that arrive while
// a build is running wait for it and share its result. A caller whose ctx
// ends stops waiting without cancelling the build for the others.
func (r *Retriever) Build(ctx context.Context) error {
	return r.shareBuild(ctx, func() error {
		return r.build(context.WithoutCancel(ctx))
	})
}

// shareBuild runs fn under the single build key. The build itself is
// detached from every caller; each caller stops waiting when its own ctx ends.
func (r *Retriever) shareBuild(ctx context.Context, fn func() error) error {
	ch := r.builds.DoChan("build", func() (any, error) {
		return nil, fn()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ensureBuilt builds at most once while unbuilt, however many searches race.
// A caller whose ctx ends gives up alone; the build carries on for the rest.
func (r *Retriever) ensureBuilt(ctx context.Context) (*snapshot, error) {
	if snap := r.current.Load(); snap != nil {
		return snap, nil
	}
	if !r.opts.BuildOnDemand {
		return nil, ErrNotBuilt
	}
	err := r.shareBuild(ctx, func() error {
		if r.current.Load() != nil {
			return nil
		}
		r.logger.Info("building index on demand")
		return r.build(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	snap := r.current.Load()
	if snap == nil {
		return nil, ErrNotBuilt
	}
	return snap, nil
}

func (r *Retriever) build(ctx context.Context) error {
	start := time.Now()
	docs, err := r.source.All(ctx)
	if err != nil {
		err = fmt.Errorf("loading corpus: %w", err)
		r.observer.ObserveBuild(BuildReport{Duration: time.Since(start), Err: err})
		r.logger.Error("index build failed", "error", err)
		return err
	}

	texts := make([]string, len(docs))
	tokens := make([][]string, len(docs))
	for i, d := range docs {
		texts[i] = d.SearchText()
		tokens[i] = tokenizer.Tokenize(texts[i])
	}
	tf := tfidf.New()
	tf.Fit(texts)
	bm := bm25.New(tokens, r.opts.BM25)

	snap := &snapshot{
		docs:       docs,
		tfidf:      tf,
		bm25:       bm,
		generation: r.generation.Add(1),
		builtAt:    time.Now(),
	}
	snap.took = snap.builtAt.Sub(start)
	r.current.Store(snap)

	r.observer.ObserveBuild(BuildReport{
		Documents:  len(docs),
		Vocabulary: tf.VocabularySize(),
		Generation: snap.generation,
		Duration:   snap.took,
	})
	r.logger.Info("index built",
		"documents", len(docs),
		"vocabulary", tf.VocabularySize(),
		"avg_doc_length", bm.AvgDocLength(),
		"generation", snap.generation,
		"duration", snap.took,
	)
	return nil
}

// Search returns at most topK documents ranked by the fused TF-IDF and BM25
// rankings. topK <= 0 and queries without usable tokens yield an empty
// result. An unbuilt retriever builds first when build on demand is enabled
// and returns ErrNotBuilt otherwise.
func (r *Retriever) Search(ctx context.Context, query string, topK int) ([]Hit, error) {
	if topK <= 0 {
		return []Hit{}, nil
	}
	snap, err := r.ensureBuilt(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	candidates := topK * r.opts.CandidateMultiplier

	_, span := tracing.StartChildSpan(ctx, StageTFIDF)
	dense := snap.tfidf.Query(query, candidates)
	span.SetAttr("candidates", len(dense))
	span.End()
	r.observer.ObserveStage(StageTFIDF, span.Duration)

	_, span = tracing.StartChildSpan(ctx, StageBM25)
	sparse := snap.bm25.Score(tokenizer.Tokenize(query), candidates)
	span.SetAttr("candidates", len(sparse))
	span.End()
	r.observer.ObserveStage(StageBM25, span.Duration)

	_, span = tracing.StartChildSpan(ctx, StageFuse)
	fused := r.fusion.Top(topK, dense, sparse)
	span.End()
	r.observer.ObserveStage(StageFuse, span.Duration)

	hits := make([]Hit, 0, len(fused))
	for _, res := range fused {
		if res.Position < 0 || res.Position >= len(snap.docs) {
			r.logger.Warn("fused position outside corpus",
				"position", res.Position,
				"corpus_size", len(snap.docs),
				"generation", snap.generation,
			)
			continue
		}
		hits = append(hits, Hit{
			Document: snap.docs[res.Position].Clone(),
			Score:    ranking.Round(res.Score, r.opts.ScorePrecision),
		})
	}
	r.observer.ObserveStage(StageTotal, time.Since(start))

	r.logger.Debug("search executed",
		"query", query,
		"top_k", topK,
		"tfidf_candidates", len(dense),
		"bm25_candidates", len(sparse),
		"results", len(hits),
		"generation", snap.generation,
	)
	return hits, nil
}

// CorpusSize is the number of documents in the live index, 0 before the
// first build.
func (r *Retriever) CorpusSize() int {
	if snap := r.current.Load(); snap != nil {
		return len(snap.docs)
	}
	return 0
}

// Built reports whether an index is available.
func (r *Retriever) Built() bool {
	return r.current.Load() != nil
}

// Generation counts completed builds. Cached results keyed by generation go
// stale on every rebuild.
func (r *Retriever) Generation() uint64 {
	if snap := r.current.Load(); snap != nil {
		return snap.generation
	}
	return 0
}

// Stats describes the live index.
func (r *Retriever) Stats() Stats {
	snap := r.current.Load()
	if snap == nil {
		return Stats{}
	}
	return Stats{
		Built:         true,
		Documents:     len(snap.docs),
		Vocabulary:    snap.tfidf.VocabularySize(),
		AvgDocLength:  snap.bm25.AvgDocLength(),
		Generation:    snap.generation,
		BuiltAt:       snap.builtAt,
		BuildDuration: snap.took,
	}
}

// Options returns the effective options.
func (r *Retriever) Options() Options {
	return r.opts
}
