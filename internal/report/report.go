// Package report summarizes exported snapshot dumps. It queries the
// Parquet files written by the export package with DuckDB, so a run
// directory can be inspected without replaying it through an engine.
package report

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	_ "github.com/marcboeker/go-duckdb"
)

// Service provides query capabilities over exported snapshot files.
type Service struct {
	db  *sql.DB
	dir string
}

// KeySummary is one metric key aggregated across all snapshots in a
// run directory.
type KeySummary struct {
	Run       string
	Key       string
	Kind      string
	Snapshots int64
	Value     int64
	Count     int64
	Sum       int64
	Min       int64
	Max       int64
	P50       float64
	P99       float64
}

// RunSummary describes one run found in a directory.
type RunSummary struct {
	Run       string
	Keys      int64
	Snapshots int64
	FirstMs   int64
	LastMs    int64
}

// New opens a report service over a directory of Parquet files.
func New(dir string) (*Service, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	return &Service{db: db, dir: dir}, nil
}

// Close closes the report service.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Runs lists the runs present in the directory.
func (s *Service) Runs(ctx context.Context) ([]RunSummary, error) {
	pattern := filepath.Join(s.dir, "*.parquet")

	query := `
		SELECT
			run,
			COUNT(DISTINCT key),
			COUNT(DISTINCT taken_at_ms),
			MIN(taken_at_ms), MAX(taken_at_ms)
		FROM read_parquet($1)
		GROUP BY run
		ORDER BY MIN(taken_at_ms)
	`

	rows, err := s.db.QueryContext(ctx, query, pattern)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.Run, &r.Keys, &r.Snapshots, &r.FirstMs, &r.LastMs); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Summarize aggregates every key of a run across its snapshots.
// Counters report the sum over snapshots, gauges and histogram
// percentiles the latest observed values.
func (s *Service) Summarize(ctx context.Context, run string) ([]KeySummary, error) {
	pattern := filepath.Join(s.dir, "*.parquet")

	// Counter and gauge rows carry NULL percentiles, hence the
	// COALESCE. Gauge values take the latest snapshot, not a sum.
	query := `
		SELECT
			run, key, kind,
			COUNT(*),
			CAST(CASE WHEN kind = 'gauge'
				THEN arg_max(value, taken_at_ms)
				ELSE SUM(value) END AS BIGINT),
			CAST(SUM(count) AS BIGINT), CAST(SUM(sum) AS BIGINT),
			MIN(min), MAX(max),
			COALESCE(arg_max(p50, taken_at_ms), 0),
			COALESCE(arg_max(p99, taken_at_ms), 0)
		FROM read_parquet($1)
		WHERE run = $2
		GROUP BY run, key, kind
		ORDER BY key
	`

	rows, err := s.db.QueryContext(ctx, query, pattern, run)
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	defer rows.Close()

	var out []KeySummary
	for rows.Next() {
		var k KeySummary
		if err := rows.Scan(
			&k.Run, &k.Key, &k.Kind,
			&k.Snapshots,
			&k.Value,
			&k.Count, &k.Sum,
			&k.Min, &k.Max,
			&k.P50, &k.P99,
		); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
