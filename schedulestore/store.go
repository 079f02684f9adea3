// Package schedulestore provides typed access to the job_schedule_state and
// job_mutex tables: upsert, due-scan with row locks, post-run advance,
// inactive-provider cleanup, paused-row counts, and the per-provider DB
// mutex. It has no pause or resume operation; the paused column is only
// read here.
package schedulestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ScheduleRow mirrors a row of job_schedule_state.
type ScheduleRow struct {
	ID              int64
	JobType         string
	SPAddress       string
	IntervalSeconds int
	NextRunAt       time.Time
	LastRunAt       *time.Time
	Paused          bool
	UpdatedAt       time.Time
}

// Store is the schedule store backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool. The pool's lifecycle belongs to the caller.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the due-scan and
// advance operations can run either standalone or inside a caller-supplied
// transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// BeginTx starts a transaction for the caller (the enqueue loop spans the
// whole due-row scan and advance in one transaction, per spec section 4.5).
func (s *Store) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}

// UpsertSchedule inserts a row if absent; otherwise updates interval_seconds
// and updated_at only. It never touches paused, next_run_at, or
// last_run_at on an existing row (P5), so configuration-driven rate changes
// don't reset schedule phase or override a manual pause.
func (s *Store) UpsertSchedule(ctx context.Context, jobType, spAddress string, intervalSeconds int, nextRunAt time.Time) error {
	const query = `
		INSERT INTO job_schedule_state (job_type, sp_address, interval_seconds, next_run_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (job_type, sp_address) DO UPDATE
		SET interval_seconds = EXCLUDED.interval_seconds,
		    updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query, jobType, spAddress, intervalSeconds, nextRunAt)
	if err != nil {
		return fmt.Errorf("upsert schedule %s/%s: %w", jobType, spAddress, err)
	}
	return nil
}

// DeleteSchedulesForInactiveProvidersUnguarded removes per-provider rows
// (deal, retrieval) whose sp_address is not in active. Called with an empty
// active set, it deletes every per-provider row — this is the destructive
// path referenced in spec section 9's open question. It takes no guard
// parameter; the guard (refusing to treat an empty active set as "all
// providers departed") lives in the reconciler package's guardedDelete, the
// only production caller. Call this directly only from tooling that
// genuinely wants the unguarded behavior.
func (s *Store) DeleteSchedulesForInactiveProvidersUnguarded(ctx context.Context, active map[string]struct{}) ([]string, error) {
	addrs := make([]string, 0, len(active))
	for a := range active {
		addrs = append(addrs, a)
	}

	const query = `
		DELETE FROM job_schedule_state
		WHERE job_type IN ('deal', 'retrieval')
		  AND sp_address <> ''
		  AND sp_address <> ALL($1::text[])
		RETURNING sp_address
	`
	rows, err := s.pool.Query(ctx, query, addrs)
	if err != nil {
		return nil, fmt.Errorf("delete inactive schedules: %w", err)
	}
	defer rows.Close()

	var removed []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("scan deleted address: %w", err)
		}
		removed = append(removed, addr)
	}
	return removed, rows.Err()
}

// FindDueSchedules selects due rows (paused = false AND next_run_at <= now),
// ordered by next_run_at ascending, with FOR UPDATE SKIP LOCKED so
// concurrent processes never race on the same row. Must run inside tx so
// the lock lifetime matches the enqueue batch.
func (s *Store) FindDueSchedules(ctx context.Context, tx pgx.Tx, now time.Time) ([]*ScheduleRow, error) {
	const query = `
		SELECT id, job_type, sp_address, interval_seconds, next_run_at, last_run_at, paused, updated_at
		FROM job_schedule_state
		WHERE NOT paused AND next_run_at <= $1
		ORDER BY next_run_at ASC
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("find due schedules: %w", err)
	}
	defer rows.Close()

	var out []*ScheduleRow
	for rows.Next() {
		var r ScheduleRow
		if err := rows.Scan(&r.ID, &r.JobType, &r.SPAddress, &r.IntervalSeconds, &r.NextRunAt, &r.LastRunAt, &r.Paused, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan due schedule: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// UpdateScheduleAfterRun advances next_run_at and records last_run_at,
// atomic with the find above because it runs in the same tx.
func (s *Store) UpdateScheduleAfterRun(ctx context.Context, tx pgx.Tx, id int64, newNextRunAt, lastRunAt time.Time) error {
	const query = `
		UPDATE job_schedule_state
		SET next_run_at = $2, last_run_at = $3, updated_at = NOW()
		WHERE id = $1
	`
	_, err := tx.Exec(ctx, query, id, newNextRunAt, lastRunAt)
	if err != nil {
		return fmt.Errorf("advance schedule %d: %w", id, err)
	}
	return nil
}

// CountPausedSchedules returns paused row counts bucketed by job type, for
// the Metrics Collector.
func (s *Store) CountPausedSchedules(ctx context.Context) (map[string]int, error) {
	const query = `SELECT job_type, COUNT(*) FROM job_schedule_state WHERE paused GROUP BY job_type`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count paused schedules: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var jobType string
		var count int
		if err := rows.Scan(&jobType, &count); err != nil {
			return nil, fmt.Errorf("scan paused count: %w", err)
		}
		out[jobType] = count
	}
	return out, rows.Err()
}

// AcquireMutex implements insert-or-steal: it succeeds when the row for
// spAddress is absent, or the existing row is stale
// (acquired_at < now - staleSeconds). Implemented as an upsert whose update
// branch is conditional on staleness, matching the caller-observed boolean
// contract spec section 4.1 describes.
func (s *Store) AcquireMutex(ctx context.Context, jobType, spAddress, jobID, hostname string, staleSeconds int, now time.Time) (bool, error) {
	const query = `
		INSERT INTO job_mutex (sp_address, job_type, job_id, hostname, acquired_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (sp_address) DO UPDATE
		SET job_type = EXCLUDED.job_type,
		    job_id = EXCLUDED.job_id,
		    hostname = EXCLUDED.hostname,
		    acquired_at = EXCLUDED.acquired_at,
		    updated_at = EXCLUDED.updated_at
		WHERE job_mutex.acquired_at < $5 - make_interval(secs => $6)
		RETURNING sp_address
	`
	var got string
	err := s.pool.QueryRow(ctx, query, spAddress, jobType, jobID, hostname, now, staleSeconds).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return false, nil
		}
		return false, fmt.Errorf("acquire mutex %s: %w", spAddress, err)
	}
	return true, nil
}

// ReleaseMutex deletes only the row tagged with the caller's job_id, so a
// late releaser can't free a successor's claim (P8).
func (s *Store) ReleaseMutex(ctx context.Context, spAddress, jobID string) (bool, error) {
	const query = `DELETE FROM job_mutex WHERE sp_address = $1 AND job_id = $2`
	tag, err := s.pool.Exec(ctx, query, spAddress, jobID)
	if err != nil {
		return false, fmt.Errorf("release mutex %s: %w", spAddress, err)
	}
	return tag.RowsAffected() > 0, nil
}

// CountStaleMutexes reports job_mutex rows whose acquired_at predates the
// staleness window, for operational visibility (Supplement #3 in
// SPEC_FULL.md) — it does not participate in stale recovery, which remains
// lazy at acquire time per spec section 3.
func (s *Store) CountStaleMutexes(ctx context.Context, staleSeconds int, now time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM job_mutex WHERE acquired_at < $1 - make_interval(secs => $2)`
	var count int
	if err := s.pool.QueryRow(ctx, query, now, staleSeconds).Scan(&count); err != nil {
		return 0, fmt.Errorf("count stale mutexes: %w", err)
	}
	return count, nil
}
