// Package store persists analytics snapshots to Postgres.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gciqs/gciqs/internal/analytics"
	"github.com/gciqs/gciqs/pkg/postgres"
)

// Schema creates the snapshot table.
const Schema = `CREATE TABLE IF NOT EXISTS analytics_snapshots (
	id            BIGSERIAL PRIMARY KEY,
	total_queries BIGINT NOT NULL,
	cache_hits    BIGINT NOT NULL,
	p95_latency   BIGINT NOT NULL,
	stats         JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const (
	insertSnapshot = `INSERT INTO analytics_snapshots (total_queries, cache_hits, p95_latency, stats) VALUES ($1, $2, $3, $4)`
	selectLatest   = `SELECT stats, created_at FROM analytics_snapshots ORDER BY created_at DESC LIMIT 1`
	selectRecent   = `SELECT stats, created_at FROM analytics_snapshots ORDER BY created_at DESC LIMIT $1`
)

// Snapshot is a stored AggregatedStats with its creation time.
type Snapshot struct {
	Stats     analytics.AggregatedStats `json:"stats"`
	CreatedAt time.Time                 `json:"created_at"`
}

// Store reads and writes snapshots.
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

func New(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "analytics-store"),
	}
}

// EnsureSchema creates the snapshot table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.DB.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("creating analytics schema: %w", err)
	}
	return nil
}

// Save writes one snapshot.
func (s *Store) Save(ctx context.Context, stats analytics.AggregatedStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshaling stats: %w", err)
	}
	if _, err := s.db.DB.ExecContext(ctx, insertSnapshot,
		stats.TotalQueries, stats.CacheHits, stats.P95LatencyMs, data); err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	s.logger.Debug("analytics snapshot saved", "total_queries", stats.TotalQueries)
	return nil
}

// Latest returns the newest snapshot, or nil when none exists.
func (s *Store) Latest(ctx context.Context) (*Snapshot, error) {
	snap, err := scanSnapshot(s.db.DB.QueryRowContext(ctx, selectLatest))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading latest snapshot: %w", err)
	}
	return snap, nil
}

// List returns up to limit snapshots, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 24
	}
	rows, err := s.db.DB.QueryContext(ctx, selectRecent, limit)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

// StartPeriodicSave snapshots agg every interval until ctx is done.
func (s *Store) StartPeriodicSave(ctx context.Context, agg *analytics.Aggregator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.Save(ctx, agg.Stats()); err != nil {
					s.logger.Error("periodic snapshot failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (*Snapshot, error) {
	var (
		data []byte
		snap Snapshot
	)
	if err := row.Scan(&data, &snap.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &snap.Stats); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &snap, nil
}
