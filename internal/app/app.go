// Package app assembles the pieces shared by the server and the CLI from a
// loaded configuration.
package app

import (
	"context"
	"fmt"

	"github.com/gciqs/gciqs/internal/corpus"
	corpuspg "github.com/gciqs/gciqs/internal/corpus/postgres"
	"github.com/gciqs/gciqs/internal/retrieval"
	"github.com/gciqs/gciqs/internal/retrieval/bm25"
	"github.com/gciqs/gciqs/pkg/config"
	"github.com/gciqs/gciqs/pkg/postgres"
)

// OpenSource returns the corpus source selected by cfg.Corpus. For the
// postgres source db must be non-nil; the schema is created if missing.
func OpenSource(ctx context.Context, cfg config.CorpusConfig, db *postgres.Client) (corpus.Source, error) {
	switch cfg.Source {
	case "embedded", "":
		return corpus.Embedded()
	case "file":
		return corpus.NewFileSource(cfg.Path)
	case "postgres":
		if db == nil {
			return nil, fmt.Errorf("corpus source postgres: no database connection")
		}
		store := corpuspg.NewStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown corpus source %q", cfg.Source)
	}
}

// RetrieverOptions maps the retrieval config onto retriever options.
func RetrieverOptions(cfg config.RetrievalConfig, observer retrieval.Observer) retrieval.Options {
	return retrieval.Options{
		BM25:                bm25.Params{K1: cfg.BM25K1, B: cfg.BM25B},
		RRFK:                cfg.RRFK,
		CandidateMultiplier: cfg.CandidateMultiplier,
		ScorePrecision:      cfg.ScorePrecision,
		BuildOnDemand:       cfg.BuildOnDemand,
		Observer:            observer,
	}
}

// NeedsPostgres reports whether cfg requires a database connection.
func NeedsPostgres(cfg *config.Config) bool {
	return cfg.Corpus.Source == "postgres" || cfg.Analytics.SnapshotInterval > 0
}
