package enqueue

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dealfleet/scheduler/schedulestore"
)

func TestComputeStartTimes_CatchupWithSpread(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	starts := computeStartTimes(now, 6, 3600, 0)

	if len(starts) != 6 {
		t.Fatalf("expected 6 start times, got %d", len(starts))
	}
	if !starts[0].Equal(now) {
		t.Errorf("immediate slot should be now, got %v", starts[0])
	}
	wantOffsets := []int{600, 1200, 1800, 2400, 3000}
	for i, off := range wantOffsets {
		want := now.Add(time.Duration(off) * time.Second)
		if !starts[i+1].Equal(want) {
			t.Errorf("slot %d = %v, want %v", i+1, starts[i+1], want)
		}
	}
}

func TestComputeStartTimes_ZeroSpreadSendsAllNow(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	starts := computeStartTimes(now, 4, 0, 0)

	if len(starts) != 4 {
		t.Fatalf("expected 4 start times, got %d", len(starts))
	}
	for i, s := range starts {
		if !s.Equal(now) {
			t.Errorf("slot %d = %v, want %v (zero spread)", i, s, now)
		}
	}
}

type fakeSender struct {
	sendErr map[int]error // index -> error to return
	calls   int
	sent    []time.Time
}

func (f *fakeSender) Send(ctx context.Context, tx pgx.Tx, queueName string, payload []byte, startAfter time.Time, singletonKey string) error {
	idx := f.calls
	f.calls++
	f.sent = append(f.sent, startAfter)
	if f.sendErr != nil {
		if err, ok := f.sendErr[idx]; ok {
			return err
		}
	}
	return nil
}

type fakeStore struct {
	due      []*schedulestore.ScheduleRow
	advanced map[int64]time.Time
}

// fakeTx stands in for the enqueue transaction: RunOnce only commits or
// rolls it back, and the fakes here never run statements on it.
type fakeTx struct{ pgx.Tx }

func (fakeTx) Commit(ctx context.Context) error   { return nil }
func (fakeTx) Rollback(ctx context.Context) error { return nil }

func (f *fakeStore) BeginTx(ctx context.Context) (pgx.Tx, error) { return fakeTx{}, nil }

func (f *fakeStore) FindDueSchedules(ctx context.Context, tx pgx.Tx, now time.Time) ([]*schedulestore.ScheduleRow, error) {
	return f.due, nil
}

func (f *fakeStore) UpdateScheduleAfterRun(ctx context.Context, tx pgx.Tx, id int64, newNextRunAt, lastRunAt time.Time) error {
	if f.advanced == nil {
		f.advanced = make(map[int64]time.Time)
	}
	f.advanced[id] = newNextRunAt
	return nil
}

func TestRunOnce_CatchupAdvancesByPhaseLockstep(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	original := now.Add(-300 * time.Second)
	row := &schedulestore.ScheduleRow{ID: 1, JobType: "deal", SPAddress: "f0100", IntervalSeconds: 60, NextRunAt: original}

	store := &fakeStore{due: []*schedulestore.ScheduleRow{row}}
	sender := &fakeSender{}
	loop := New(store, sender, Options{
		CatchupMax:    10,
		SpreadSeconds: 3600,
		BuildPayload:  func(r *schedulestore.ScheduleRow) ([]byte, error) { return []byte(r.SPAddress), nil },
		QueueName:     func(jobType string) string { return jobType },
	})

	result, err := loop.RunOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if result.JobsSent != 6 {
		t.Fatalf("expected 6 jobs sent, got %d", result.JobsSent)
	}
	want := original.Add(6 * 60 * time.Second)
	if got := store.advanced[1]; !got.Equal(want) {
		t.Errorf("advanced next_run_at = %v, want %v", got, want)
	}
}

func TestRunOnce_NoSendsMeansNoAdvance(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	original := now.Add(-10 * time.Second)
	row := &schedulestore.ScheduleRow{ID: 1, JobType: "deal", SPAddress: "f0100", IntervalSeconds: 60, NextRunAt: original}

	store := &fakeStore{due: []*schedulestore.ScheduleRow{row}}
	sender := &fakeSender{sendErr: map[int]error{0: errBoom}}
	loop := New(store, sender, Options{
		CatchupMax:   10,
		BuildPayload: func(r *schedulestore.ScheduleRow) ([]byte, error) { return nil, nil },
		QueueName:    func(jobType string) string { return jobType },
	})

	result, err := loop.RunOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if result.JobsSent != 0 {
		t.Fatalf("expected 0 jobs sent, got %d", result.JobsSent)
	}
	if _, advanced := store.advanced[1]; advanced {
		t.Fatalf("row should not have been advanced when all sends failed (P3)")
	}
}

func TestRunOnce_CatchupBoundedByCatchupMax(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	original := now.Add(-1000 * time.Second) // far overdue at 60s interval => 17 runs due
	row := &schedulestore.ScheduleRow{ID: 1, JobType: "deal", SPAddress: "f0100", IntervalSeconds: 60, NextRunAt: original}

	store := &fakeStore{due: []*schedulestore.ScheduleRow{row}}
	sender := &fakeSender{}
	loop := New(store, sender, Options{
		CatchupMax:   3,
		BuildPayload: func(r *schedulestore.ScheduleRow) ([]byte, error) { return nil, nil },
		QueueName:    func(jobType string) string { return jobType },
	})

	result, err := loop.RunOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if result.JobsSent != 3 {
		t.Fatalf("expected catch-up bounded to 3, got %d", result.JobsSent)
	}
}

var errBoom = &sendError{"boom"}

type sendError struct{ msg string }

func (e *sendError) Error() string { return e.msg }
