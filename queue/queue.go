// Package queue implements the Queue Adapter: a thin, Postgres-backed
// durable job queue with per-queue singleton policy, delayed sends, and
// worker subscription with batch size and local concurrency.
//
// Singleton enforcement is synthesized with a partial unique index on
// (queue_name, singleton_key) restricted to jobs in an active-or-queued
// state, updated transactionally with every send — the approach spec
// section 9's design notes call for when the underlying substrate has no
// native singleton keys.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Policy declares a queue's duplicate-suppression behavior.
type Policy int

const (
	// PolicyStandard allows any number of concurrent jobs for a key.
	PolicyStandard Policy = iota
	// PolicySingleton enforces at most one active-or-queued job per
	// singleton key.
	PolicySingleton
)

// ErrSingletonCollision is returned by Send when a singleton-keyed job is
// already active or queued for that key.
var ErrSingletonCollision = errors.New("queue: singleton collision")

// Job is the payload handed to a worker on dequeue.
type Job struct {
	ID        int64
	Queue     string
	Data      []byte
	CreatedAt time.Time
	StartedAt time.Time
}

// SendOptions configures an individual send.
type SendOptions struct {
	StartAfter    time.Time
	SingletonKey  string // only honored on PolicySingleton queues
	RetryLimit    int    // the core always passes 0: no queue-level retries
}

// WorkOptions configures a worker subscription.
type WorkOptions struct {
	BatchSize              int
	LocalConcurrency       int
	PollingIntervalSeconds int
}

// Handler processes one dequeued job. Returning an error marks the job
// failed; the queue never retries it (RetryLimit is always 0).
type Handler func(ctx context.Context, job Job) error

// Adapter is the Postgres-backed queue implementation.
type Adapter struct {
	pool *pgxpool.Pool

	stopCh chan struct{}
	group  *errgroup.Group
}

// New wraps an existing pool. Call CreateQueue for each named queue before
// sending to or working it.
func New(pool *pgxpool.Pool) *Adapter {
	return &Adapter{pool: pool, stopCh: make(chan struct{})}
}

// CreateQueue registers a queue name with its policy. Idempotent.
func (a *Adapter) CreateQueue(ctx context.Context, name string, policy Policy) error {
	const query = `
		INSERT INTO queue_definition (queue_name, policy)
		VALUES ($1, $2)
		ON CONFLICT (queue_name) DO UPDATE SET policy = EXCLUDED.policy
	`
	_, err := a.pool.Exec(ctx, query, name, int(policy))
	if err != nil {
		return fmt.Errorf("create queue %s: %w", name, err)
	}
	return nil
}

// Send enqueues a payload. Inside a caller transaction (tx != nil) it
// participates in that transaction's atomicity, which is how the Enqueue
// Loop ties sends to the schedule advance (spec section 4.5). Each send in a
// caller transaction runs under its own savepoint, so a rejected send (e.g. a
// singleton collision) is rolled back alone and the transaction stays usable.
func (a *Adapter) Send(ctx context.Context, tx pgx.Tx, queueName string, data []byte, opts SendOptions) (int64, error) {
	if tx == nil {
		return insertJob(ctx, a.pool, queueName, data, opts)
	}
	sp, err := tx.Begin(ctx) // savepoint
	if err != nil {
		return 0, fmt.Errorf("savepoint for send to %s: %w", queueName, err)
	}
	id, err := insertJob(ctx, sp, queueName, data, opts)
	if err != nil {
		_ = sp.Rollback(ctx)
		return 0, err
	}
	return id, sp.Commit(ctx)
}

// Requeue atomically finalizes completedJobID (freeing any singleton slot
// it held) and sends a replacement in the same transaction — the only safe
// way to re-send under the same singleton_key while the original dequeued
// row is still active. A plain Complete-then-Send from two separate calls
// would race: the replacement's insert would still see the original row as
// active and collide with it (spec section 4.6's maintenance deferral and
// mutex-contention requeue both rely on this).
func (a *Adapter) Requeue(ctx context.Context, completedJobID int64, queueName string, data []byte, opts SendOptions) (int64, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin requeue tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	const finish = `UPDATE queue_job SET state = 'completed', completed_at = NOW() WHERE id = $1 AND state = 'active'`
	if _, err := tx.Exec(ctx, finish, completedJobID); err != nil {
		return 0, fmt.Errorf("finalize requeued job %d: %w", completedJobID, err)
	}

	id, err := insertJob(ctx, tx, queueName, data, opts)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit requeue tx: %w", err)
	}
	committed = true
	return id, nil
}

func insertJob(ctx context.Context, q execQuerier, queueName string, data []byte, opts SendOptions) (int64, error) {
	const insert = `
		INSERT INTO queue_job (queue_name, data, start_after, singleton_key, retry_limit, state, created_at)
		VALUES ($1, $2, $3,
		        CASE WHEN (SELECT policy FROM queue_definition WHERE queue_name = $1) = $6 THEN NULLIF($4, '') END,
		        $5, 'created', NOW())
		RETURNING id
	`
	var id int64
	err := q.QueryRow(ctx, insert, queueName, data, opts.StartAfter, opts.SingletonKey, opts.RetryLimit, int(PolicySingleton)).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, ErrSingletonCollision
		}
		return 0, fmt.Errorf("send to %s: %w", queueName, err)
	}
	return id, nil
}

type execQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func querier(pool *pgxpool.Pool, tx pgx.Tx) execQuerier {
	if tx != nil {
		return tx
	}
	return pool
}

// Work subscribes handler to queueName with the given options, running
// until ctx is cancelled or Stop is called. Each dequeued job runs in its
// own goroutine; a semaphore of size LocalConcurrency bounds how many run
// at once.
func (a *Adapter) Work(ctx context.Context, queueName string, opts WorkOptions, handler Handler) error {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.LocalConcurrency <= 0 {
		opts.LocalConcurrency = 1
	}
	pollInterval := time.Duration(opts.PollingIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	// Every poll waits on this token bucket (one token per pollInterval,
	// burst LocalConcurrency) before dequeuing — adapted from the teacher's
	// per-key token bucket limiter (control_plane/scheduler/limiter.go),
	// here applied per-queue instead of per-node. It does not react to
	// collisions or empty batches; all polls wait on it alike.
	limiter := rate.NewLimiter(rate.Every(pollInterval), opts.LocalConcurrency)

	sem := make(chan struct{}, opts.LocalConcurrency)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.stopCh:
			return nil
		case <-ticker.C:
			if err := limiter.Wait(ctx); err != nil {
				continue
			}
			jobs, err := a.dequeueBatch(ctx, queueName, opts.BatchSize)
			if err != nil {
				continue
			}
			for _, job := range jobs {
				job := job
				sem <- struct{}{}
				go func() {
					defer func() { <-sem }()
					a.finish(ctx, job.ID, handler(ctx, job))
				}()
			}
		}
	}
}

// dequeueBatch claims up to n created/retry jobs whose start_after has
// elapsed, marking them active in the same transaction so two workers
// never claim the same row (skip-locked, mirroring the enqueue loop's
// due-scan discipline).
func (a *Adapter) dequeueBatch(ctx context.Context, queueName string, n int) ([]Job, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const selectQuery = `
		SELECT id, data, created_at
		FROM queue_job
		WHERE queue_name = $1 AND state IN ('created', 'retry') AND start_after <= NOW()
		ORDER BY start_after ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, selectQuery, queueName, n)
	if err != nil {
		return nil, err
	}

	var ids []int64
	var jobs []Job
	for rows.Next() {
		var j Job
		j.Queue = queueName
		if err := rows.Scan(&j.ID, &j.Data, &j.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		j.StartedAt = time.Now()
		jobs = append(jobs, j)
		ids = append(ids, j.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	const markActive = `UPDATE queue_job SET state = 'active', started_at = NOW() WHERE id = ANY($1)`
	if _, err := tx.Exec(ctx, markActive, ids); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return jobs, nil
}

// finish marks a dequeued job finished once its handler has returned,
// clearing its singleton slot. The state='active' guard makes this a
// no-op when the handler already finalized the row itself via Requeue
// (maintenance deferral, mutex-contention retry), so every code path that
// dequeues a job ends with it out of 'active' exactly once.
func (a *Adapter) finish(ctx context.Context, jobID int64, handlerErr error) {
	var err error
	if handlerErr != nil {
		err = a.Fail(ctx, jobID)
	} else {
		err = a.Complete(ctx, jobID)
	}
	if err != nil {
		log.Printf("queue: finalize job %d: %v", jobID, err)
	}
}

// Complete marks a dequeued job finished and clears its singleton slot.
func (a *Adapter) Complete(ctx context.Context, jobID int64) error {
	const query = `UPDATE queue_job SET state = 'completed', completed_at = NOW() WHERE id = $1 AND state = 'active'`
	_, err := a.pool.Exec(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("complete job %d: %w", jobID, err)
	}
	return nil
}

// Fail marks a dequeued job failed and clears its singleton slot. The
// queue never retries it (RetryLimit is always 0); the schedule's own
// next_run_at naturally produces the next attempt.
func (a *Adapter) Fail(ctx context.Context, jobID int64) error {
	const query = `UPDATE queue_job SET state = 'failed', completed_at = NOW() WHERE id = $1 AND state = 'active'`
	_, err := a.pool.Exec(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("fail job %d: %w", jobID, err)
	}
	return nil
}

// CountByState returns queue job counts bucketed by (queue_name, state),
// restricted to the given states, for the Metrics Collector.
func (a *Adapter) CountByState(ctx context.Context, states []string) (map[string]map[string]int, error) {
	const query = `
		SELECT queue_name, state, COUNT(*)
		FROM queue_job
		WHERE state = ANY($1)
		GROUP BY queue_name, state
	`
	rows, err := a.pool.Query(ctx, query, states)
	if err != nil {
		return nil, fmt.Errorf("count queue states: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]int)
	for rows.Next() {
		var queueName, state string
		var count int
		if err := rows.Scan(&queueName, &state, &count); err != nil {
			return nil, fmt.Errorf("scan queue state count: %w", err)
		}
		if out[queueName] == nil {
			out[queueName] = make(map[string]int)
		}
		out[queueName][state] = count
	}
	return out, rows.Err()
}

// MinAge returns, per queue, the age in seconds of the oldest job in state.
func (a *Adapter) MinAge(ctx context.Context, state string, now time.Time) (map[string]float64, error) {
	const query = `
		SELECT queue_name, MIN(created_at)
		FROM queue_job
		WHERE state = $1
		GROUP BY queue_name
	`
	rows, err := a.pool.Query(ctx, query, state)
	if err != nil {
		return nil, fmt.Errorf("min queue age: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var queueName string
		var oldest time.Time
		if err := rows.Scan(&queueName, &oldest); err != nil {
			return nil, fmt.Errorf("scan min queue age: %w", err)
		}
		out[queueName] = now.Sub(oldest).Seconds()
	}
	return out, rows.Err()
}

// NewJobID generates an opaque identity for a queue job outside the DB
// sequence — used by callers (e.g. the per-provider mutex) that need an
// identity before a row exists.
func NewJobID() string {
	return uuid.NewString()
}

// Stop halts all Work loops. Matches the teacher's queue-adapter lifecycle
// contract: start during init, stop during shutdown.
func (a *Adapter) Stop() {
	close(a.stopCh)
}
