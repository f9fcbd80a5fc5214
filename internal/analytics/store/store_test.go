package store

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gciqs/gciqs/internal/analytics"
	"github.com/gciqs/gciqs/pkg/postgres"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(postgres.NewFromDB(db)), mock
}

func TestSave(t *testing.T) {
	s, mock := newMockStore(t)
	stats := analytics.AggregatedStats{TotalQueries: 9, CacheHits: 4, P95LatencyMs: 120}

	mock.ExpectExec(regexp.QuoteMeta(insertSnapshot)).
		WithArgs(int64(9), int64(4), int64(120), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Save(context.Background(), stats))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(insertSnapshot)).WillReturnError(errors.New("disk full"))

	err := s.Save(context.Background(), analytics.AggregatedStats{})
	assert.ErrorContains(t, err, "saving snapshot")
}

func TestLatest(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := json.Marshal(analytics.AggregatedStats{TotalQueries: 42})
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(selectLatest)).
		WillReturnRows(sqlmock.NewRows([]string{"stats", "created_at"}).AddRow(data, created))

	snap, err := s.Latest(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(42), snap.Stats.TotalQueries)
	assert.Equal(t, created, snap.CreatedAt)
}

func TestLatestEmpty(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(selectLatest)).
		WillReturnRows(sqlmock.NewRows([]string{"stats", "created_at"}))

	snap, err := s.Latest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestList(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"stats", "created_at"}).
		AddRow([]byte(`{"total_queries":2}`), now).
		AddRow([]byte(`{"total_queries":1}`), now.Add(-time.Hour))
	mock.ExpectQuery(regexp.QuoteMeta(selectRecent)).WithArgs(24).WillReturnRows(rows)

	snaps, err := s.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, int64(2), snaps[0].Stats.TotalQueries)
	assert.Equal(t, int64(1), snaps[1].Stats.TotalQueries)
}

func TestListBadJSON(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(selectRecent)).WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"stats", "created_at"}).AddRow([]byte("{"), time.Now()))

	_, err := s.List(context.Background(), 5)
	assert.ErrorContains(t, err, "decoding snapshot")
}

func TestEnsureSchema(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(Schema)).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
