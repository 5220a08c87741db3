package sqlite

import (
	"context"
	"strings"
	"time"

	rpcgate "github.com/rpcgate/rpcgate/internal"
)

// InsertUsage batch-inserts usage events in a single multi-row INSERT,
// avoiding N round-trips for a worker's flushed batch.
func (s *Store) InsertUsage(ctx context.Context, events []rpcgate.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 9
	placeholders := make([]string, len(events))
	args := make([]any, 0, len(events)*cols)

	for i, e := range events {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			e.KeyID, e.Method, e.Upstream, e.LatencyMs,
			e.Outcome, e.BlockNumber, boolToInt(e.Cached),
			e.BytesIn, e.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO usage_events
		(key_id, method, upstream, latency_ms, outcome, block_number, cached, bytes_in, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// QueryUsage returns usage events matching filter, used by the admin usage
// endpoint and by the rollup worker's periodic aggregation pass.
func (s *Store) QueryUsage(ctx context.Context, filter rpcgate.UsageFilter) ([]rpcgate.UsageEvent, error) {
	query := `SELECT key_id, method, upstream, latency_ms, outcome, block_number, cached, bytes_in, created_at
		FROM usage_events WHERE 1=1`
	var args []any

	if filter.KeyID != "" {
		query += " AND key_id = ?"
		args = append(args, filter.KeyID)
	}
	if filter.Since != "" {
		query += " AND created_at >= ?"
		args = append(args, filter.Since)
	}
	if filter.Until != "" {
		query += " AND created_at < ?"
		args = append(args, filter.Until)
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rpcgate.UsageEvent
	for rows.Next() {
		var e rpcgate.UsageEvent
		var cached int
		var createdAt string
		if err := rows.Scan(&e.KeyID, &e.Method, &e.Upstream, &e.LatencyMs,
			&e.Outcome, &e.BlockNumber, &cached, &e.BytesIn, &createdAt); err != nil {
			return nil, err
		}
		e.Cached = cached != 0
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			e.CreatedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertRollups inserts or accumulates hourly usage rollups, keyed by
// (key_id, method, bucket).
func (s *Store) UpsertRollups(ctx context.Context, rollups []rpcgate.UsageRollup) error {
	for _, r := range rollups {
		_, err := s.write.ExecContext(ctx,
			`INSERT INTO usage_rollups (key_id, method, period, bucket, request_count, cached_count, error_count, avg_latency_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(key_id, method, bucket) DO UPDATE SET
			   request_count = request_count + excluded.request_count,
			   cached_count = cached_count + excluded.cached_count,
			   error_count = error_count + excluded.error_count,
			   avg_latency_ms = (avg_latency_ms * request_count + excluded.avg_latency_ms * excluded.request_count)
			                    / (request_count + excluded.request_count)`,
			r.KeyID, r.Method, r.Period, r.Bucket, r.RequestCount, r.CachedCount, r.ErrorCount, r.AvgLatencyMs,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// InsertReverts batch-inserts sampled revert logs.
func (s *Store) InsertReverts(ctx context.Context, logs []rpcgate.RevertLog) error {
	if len(logs) == 0 {
		return nil
	}

	placeholders := make([]string, len(logs))
	args := make([]any, 0, len(logs)*4)
	for i, l := range logs {
		placeholders[i] = "(?, ?, ?, ?)"
		args = append(args, l.KeyID, l.Method, nullStr(l.To), l.Timestamp.UTC().Format(time.RFC3339))
	}

	query := `INSERT INTO revert_logs (key_id, method, target, created_at) VALUES ` + strings.Join(placeholders, ", ")
	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}
