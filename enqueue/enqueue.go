// Package enqueue implements the Enqueue Loop: a transactional scan of due
// schedule rows, catch-up/spread emission onto the queue, and an advance of
// next_run_at in lockstep with successful sends. This is the design heart
// of the scheduler (spec section 4.5).
package enqueue

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dealfleet/scheduler/schedulestore"
)

// immediateLimit is the number of due runs sent with start_after = now per
// row, exposed as a constant per spec section 4.5 step 4.
const immediateLimit = 1

// perProviderJobTypes get a singleton_key so the queue enforces per-provider
// exclusion in-queue (spec section 4.5 step 5).
var perProviderJobTypes = map[string]bool{
	"deal":      true,
	"retrieval": true,
}

// Sender is the subset of the queue adapter the enqueue loop needs. A send
// returning any error (a singleton collision or a transport failure) counts
// as a failed send for that slot without aborting the batch.
type Sender interface {
	Send(ctx context.Context, tx pgx.Tx, queueName string, payload []byte, startAfter time.Time, singletonKey string) error
}

// PayloadBuilder turns a due row into the bytes sent to the queue.
type PayloadBuilder func(row *schedulestore.ScheduleRow) ([]byte, error)

// Store is the subset of schedulestore.Store the enqueue loop needs.
type Store interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
	FindDueSchedules(ctx context.Context, tx pgx.Tx, now time.Time) ([]*schedulestore.ScheduleRow, error)
	UpdateScheduleAfterRun(ctx context.Context, tx pgx.Tx, id int64, newNextRunAt, lastRunAt time.Time) error
}

// Options configures catch-up and spread policy (spec section 6's
// configuration surface).
type Options struct {
	CatchupMax     int
	SpreadSeconds  int
	JitterSeconds  int
	BuildPayload   PayloadBuilder
	QueueName      func(jobType string) string
}

// Loop runs the enqueue algorithm.
type Loop struct {
	store  Store
	sender Sender
	opts   Options
}

func New(store Store, sender Sender, opts Options) *Loop {
	return &Loop{store: store, sender: sender, opts: opts}
}

// Result summarizes one pass, for logging/testing.
type Result struct {
	RowsScanned int
	JobsSent    int
	RowsAdvanced int
}

// RunOnce scans due rows and enqueues catch-up work for each, all within
// one transaction (spec section 4.5: "this is the design heart").
func (l *Loop) RunOnce(ctx context.Context, now time.Time) (Result, error) {
	tx, err := l.store.BeginTx(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("begin enqueue tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	rows, err := l.store.FindDueSchedules(ctx, tx, now)
	if err != nil {
		return Result{}, fmt.Errorf("find due schedules: %w", err)
	}

	var result Result
	result.RowsScanned = len(rows)

	for _, row := range rows {
		sent, err := l.processRow(ctx, tx, row, now)
		if err != nil {
			return Result{}, fmt.Errorf("process row %d: %w", row.ID, err)
		}
		result.JobsSent += sent
		if sent > 0 {
			result.RowsAdvanced++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("commit enqueue tx: %w", err)
	}
	committed = true
	return result, nil
}

// processRow implements the per-row algorithm: compute runs_due, clamp to
// catchup_max, split into immediate + spread-delayed sends, and advance
// next_run_at by successes x interval (never now + interval, to preserve
// phase — P1, P3).
func (l *Loop) processRow(ctx context.Context, tx pgx.Tx, row *schedulestore.ScheduleRow, now time.Time) (int, error) {
	diff := now.Sub(row.NextRunAt)
	if diff < 0 {
		return 0, nil // not actually due; shouldn't happen given the query, but guard anyway
	}

	interval := time.Duration(row.IntervalSeconds) * time.Second
	runsDue := int(diff/interval) + 1

	total := runsDue
	if l.opts.CatchupMax > 0 && total > l.opts.CatchupMax {
		total = l.opts.CatchupMax
	}
	if total < 1 {
		total = 1
	}

	starts := computeStartTimes(now, total, l.opts.SpreadSeconds, l.opts.JitterSeconds)

	payload, err := l.opts.BuildPayload(row)
	if err != nil {
		return 0, fmt.Errorf("build payload: %w", err)
	}

	singletonKey := ""
	if perProviderJobTypes[row.JobType] {
		singletonKey = row.SPAddress
	}
	queueName := l.opts.QueueName(row.JobType)

	successes := 0
	for _, startAfter := range starts {
		err := l.sender.Send(ctx, tx, queueName, payload, startAfter, singletonKey)
		if err != nil {
			// Duplicate-rejection or transport failure: counted as a
			// failed send for this slot, the row is not advanced for it
			// (spec section 7, items 2-3). We do not abort the whole row;
			// remaining slots still get a chance.
			continue
		}
		successes++
	}

	if successes > 0 {
		newNextRunAt := row.NextRunAt.Add(time.Duration(successes) * interval)
		if err := l.store.UpdateScheduleAfterRun(ctx, tx, row.ID, newNextRunAt, now); err != nil {
			return 0, fmt.Errorf("advance row %d: %w", row.ID, err)
		}
	}

	return successes, nil
}

// computeStartTimes returns the start_after instant for each of total
// catch-up sends: the first immediateLimit at now, the rest spread across
// spreadSeconds using offset_i = ceil((i+1) x spreadSeconds / (delayed+1)).
// If spreadSeconds is 0, every send goes out at now. An optional uniform
// [0, jitterSeconds] delay is added to every slot (SPEC_FULL.md Open
// Question: enqueue_jitter_seconds).
func computeStartTimes(now time.Time, total, spreadSeconds, jitterSeconds int) []time.Time {
	starts := make([]time.Time, 0, total)

	immediate := total
	if immediate > immediateLimit {
		immediate = immediateLimit
	}
	for i := 0; i < immediate; i++ {
		starts = append(starts, withJitter(now, jitterSeconds))
	}

	delayed := total - immediate
	if delayed <= 0 {
		return starts
	}

	if spreadSeconds <= 0 {
		for i := 0; i < delayed; i++ {
			starts = append(starts, withJitter(now, jitterSeconds))
		}
		return starts
	}

	for i := 0; i < delayed; i++ {
		offsetSeconds := math.Ceil(float64(i+1) * float64(spreadSeconds) / float64(delayed+1))
		t := now.Add(time.Duration(offsetSeconds) * time.Second)
		starts = append(starts, withJitter(t, jitterSeconds))
	}
	return starts
}

func withJitter(t time.Time, jitterSeconds int) time.Time {
	if jitterSeconds <= 0 {
		return t
	}
	return t.Add(time.Duration(rand.IntN(jitterSeconds+1)) * time.Second)
}
