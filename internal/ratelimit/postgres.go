package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps window counters in the rate_counters table so that
// multiple instances share one admission budget.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a PostgresStore backed by the provided pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const (
	rateEnsureSQL = `
INSERT INTO rate_counters (bucket, window_start, count)
VALUES ($1, $2, 0), ($3, $2, 0)
ON CONFLICT (bucket, window_start) DO NOTHING;
`

	rateLockSQL = `
SELECT bucket, count
FROM rate_counters
WHERE window_start = $1
  AND bucket IN ($2, $3)
ORDER BY bucket
FOR UPDATE;
`

	rateChargeSQL = `
UPDATE rate_counters
SET count = count + 1
WHERE window_start = $1
  AND bucket IN ($2, $3);
`

	ratePruneSQL = `
DELETE FROM rate_counters
WHERE window_start < $1;
`
)

// Take implements CounterStore. Both rows are locked in bucket order inside
// one transaction, so concurrent instances charge both-or-neither.
func (s *PostgresStore) Take(ctx context.Context, userBucket, globalBucket string, userCap, globalCap int, windowSize time.Duration) (bool, time.Duration, error) {
	if s.pool == nil {
		return false, 0, fmt.Errorf("rate store: nil pool")
	}

	now := time.Now().UTC()
	start := now.Truncate(windowSize)
	retryAfter := start.Add(windowSize).Sub(now)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("rate store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, rateEnsureSQL, userBucket, start, globalBucket); err != nil {
		return false, 0, fmt.Errorf("rate store: ensure buckets: %w", err)
	}

	rows, err := tx.Query(ctx, rateLockSQL, start, userBucket, globalBucket)
	if err != nil {
		return false, 0, fmt.Errorf("rate store: lock buckets: %w", err)
	}
	counts := make(map[string]int, 2)
	for rows.Next() {
		var bucket string
		var count int
		if err := rows.Scan(&bucket, &count); err != nil {
			rows.Close()
			return false, 0, fmt.Errorf("rate store: scan bucket: %w", err)
		}
		counts[bucket] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, 0, fmt.Errorf("rate store: iterate buckets: %w", err)
	}

	if counts[userBucket] >= userCap || counts[globalBucket] >= globalCap {
		return false, retryAfter, nil
	}

	if _, err := tx.Exec(ctx, rateChargeSQL, start, userBucket, globalBucket); err != nil {
		return false, 0, fmt.Errorf("rate store: charge buckets: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, 0, fmt.Errorf("rate store: commit: %w", err)
	}
	return true, 0, nil
}

// Prune removes counters from windows that closed before cutoff.
func (s *PostgresStore) Prune(ctx context.Context, cutoff time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("rate store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, ratePruneSQL, cutoff.UTC()); err != nil {
		return fmt.Errorf("rate store: prune: %w", err)
	}
	return nil
}

var _ CounterStore = (*PostgresStore)(nil)
