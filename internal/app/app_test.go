package app

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gciqs/gciqs/internal/corpus"
	corpuspg "github.com/gciqs/gciqs/internal/corpus/postgres"
	"github.com/gciqs/gciqs/pkg/config"
	"github.com/gciqs/gciqs/pkg/postgres"
)

func TestOpenSourceEmbedded(t *testing.T) {
	src, err := OpenSource(context.Background(), config.CorpusConfig{Source: "embedded"}, nil)
	require.NoError(t, err)
	docs, err := src.All(context.Background())
	require.NoError(t, err)
	assert.Len(t, docs, 20)
}

func TestOpenSourceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- id: X1\n  title: Test\n  content: body\n"), 0o644))

	src, err := OpenSource(context.Background(), config.CorpusConfig{Source: "file", Path: path}, nil)
	require.NoError(t, err)
	assert.IsType(t, &corpus.FileSource{}, src)
}

func TestOpenSourcePostgres(t *testing.T) {
	_, err := OpenSource(context.Background(), config.CorpusConfig{Source: "postgres"}, nil)
	assert.Error(t, err)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec(regexp.QuoteMeta(corpuspg.Schema)).WillReturnResult(sqlmock.NewResult(0, 0))

	src, err := OpenSource(context.Background(), config.CorpusConfig{Source: "postgres"}, postgres.NewFromDB(db))
	require.NoError(t, err)
	assert.IsType(t, &corpuspg.Store{}, src)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenSourceUnknown(t *testing.T) {
	_, err := OpenSource(context.Background(), config.CorpusConfig{Source: "s3"}, nil)
	assert.ErrorContains(t, err, "unknown corpus source")
}

func TestRetrieverOptions(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	opts := RetrieverOptions(cfg.Retrieval, nil)
	assert.InDelta(t, 1.5, opts.BM25.K1, 1e-12)
	assert.InDelta(t, 0.75, opts.BM25.B, 1e-12)
	assert.Equal(t, 60, opts.RRFK)
	assert.Equal(t, 2, opts.CandidateMultiplier)
	assert.True(t, opts.BuildOnDemand)
}

func TestNeedsPostgres(t *testing.T) {
	cfg := &config.Config{Corpus: config.CorpusConfig{Source: "embedded"}}
	assert.False(t, NeedsPostgres(cfg))
	cfg.Analytics.SnapshotInterval = time.Minute
	assert.True(t, NeedsPostgres(cfg))
	cfg = &config.Config{Corpus: config.CorpusConfig{Source: "postgres"}}
	assert.True(t, NeedsPostgres(cfg))
}
