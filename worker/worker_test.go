package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dealfleet/scheduler/handler"
	"github.com/dealfleet/scheduler/maintenance"
	"github.com/dealfleet/scheduler/queue"
)

type fakeMutex struct {
	acquire    bool
	acquireErr error
	released   []string
}

func (f *fakeMutex) AcquireMutex(ctx context.Context, jobType, spAddress, jobID, hostname string, staleSeconds int, now time.Time) (bool, error) {
	return f.acquire, f.acquireErr
}

func (f *fakeMutex) ReleaseMutex(ctx context.Context, spAddress, jobID string) (bool, error) {
	f.released = append(f.released, spAddress)
	return true, nil
}

type requeueCall struct {
	completedJobID int64
	queueName      string
	startAfter     time.Time
	singletonKey   string
}

type fakeResender struct {
	calls []requeueCall
}

func (f *fakeResender) Requeue(ctx context.Context, completedJobID int64, queueName string, payload []byte, startAfter time.Time, singletonKey string) error {
	f.calls = append(f.calls, requeueCall{completedJobID: completedJobID, queueName: queueName, startAfter: startAfter, singletonKey: singletonKey})
	return nil
}

type metricsCall struct {
	started   []string
	durations []string
	completed []string // "jobType/result"
}

type fakeMetrics struct {
	metricsCall
}

func (f *fakeMetrics) ObserveJobDuration(jobType string, seconds float64) {
	f.durations = append(f.durations, jobType)
}

func (f *fakeMetrics) IncJobStarted(jobType string) {
	f.started = append(f.started, jobType)
}

func (f *fakeMetrics) IncJobCompleted(jobType, result string) {
	f.completed = append(f.completed, jobType+"/"+result)
}

func payload(t *testing.T, spAddress string) []byte {
	t.Helper()
	data, err := json.Marshal(Payload{SPAddress: spAddress, IntervalSeconds: 60})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

func TestHandleJob_MaintenanceDeferral(t *testing.T) {
	registry := handler.NewRegistry()
	invoked := false
	registry.Register("deal", handler.Func(func(ctx context.Context, payload []byte, cancel <-chan struct{}) (handler.Outcome, error) {
		invoked = true
		return handler.OutcomeSuccess, nil
	}))

	resender := &fakeResender{}
	metrics := &fakeMetrics{}
	mutex := &fakeMutex{acquire: true}

	windows := []maintenance.Window{{Label: "nightly", StartMinutes: 0}}
	r := New(registry, mutex, resender, metrics, Config{
		Maintenance: func() ([]maintenance.Window, int) { return windows, 24 * 60 },
	})

	job := queue.Job{ID: 42, Data: payload(t, "f0100")}
	if err := r.HandleJob(context.Background(), "deal", "deal", job); err != nil {
		t.Fatalf("HandleJob: %v", err)
	}

	if invoked {
		t.Errorf("handler should not run during a maintenance window")
	}
	if len(metrics.started) != 0 {
		t.Errorf("started_total should not increment on deferral, got %v", metrics.started)
	}
	if len(resender.calls) != 1 {
		t.Fatalf("expected one requeue call, got %d", len(resender.calls))
	}
	call := resender.calls[0]
	if call.completedJobID != job.ID {
		t.Errorf("requeue completedJobID = %d, want %d", call.completedJobID, job.ID)
	}
	if call.singletonKey != "f0100" {
		t.Errorf("requeue singletonKey = %q, want f0100", call.singletonKey)
	}
}

func TestHandleJob_MutexContentionRequeues(t *testing.T) {
	registry := handler.NewRegistry()
	invoked := false
	registry.Register("deal", handler.Func(func(ctx context.Context, payload []byte, cancel <-chan struct{}) (handler.Outcome, error) {
		invoked = true
		return handler.OutcomeSuccess, nil
	}))

	resender := &fakeResender{}
	metrics := &fakeMetrics{}
	mutex := &fakeMutex{acquire: false}

	r := New(registry, mutex, resender, metrics, Config{LockRetrySeconds: 30})

	job := queue.Job{ID: 7, Data: payload(t, "f0200")}
	if err := r.HandleJob(context.Background(), "deal", "deal", job); err != nil {
		t.Fatalf("HandleJob: %v", err)
	}

	if invoked {
		t.Errorf("handler should not run when the mutex is held elsewhere")
	}
	if len(resender.calls) != 1 {
		t.Fatalf("expected one requeue call, got %d", len(resender.calls))
	}
	call := resender.calls[0]
	if call.completedJobID != job.ID {
		t.Errorf("requeue completedJobID = %d, want %d", call.completedJobID, job.ID)
	}
	if call.singletonKey != "f0200" {
		t.Errorf("requeue singletonKey = %q, want f0200", call.singletonKey)
	}
}

func TestHandleJob_SuccessRecordsMetricsAndReleasesMutex(t *testing.T) {
	registry := handler.NewRegistry()
	registry.Register("deal", handler.Func(func(ctx context.Context, payload []byte, cancel <-chan struct{}) (handler.Outcome, error) {
		return handler.OutcomeSuccess, nil
	}))

	resender := &fakeResender{}
	metrics := &fakeMetrics{}
	mutex := &fakeMutex{acquire: true}

	r := New(registry, mutex, resender, metrics, Config{DealTimeout: time.Second})

	job := queue.Job{ID: 9, Data: payload(t, "f0300")}
	if err := r.HandleJob(context.Background(), "deal", "deal", job); err != nil {
		t.Fatalf("HandleJob: %v", err)
	}

	if len(resender.calls) != 0 {
		t.Errorf("success path should not requeue, got %v", resender.calls)
	}
	if len(metrics.started) != 1 {
		t.Fatalf("expected one started increment, got %v", metrics.started)
	}
	if len(metrics.completed) != 1 || metrics.completed[0] != "deal/success" {
		t.Errorf("expected deal/success, got %v", metrics.completed)
	}
	if len(mutex.released) != 1 || mutex.released[0] != "f0300" {
		t.Errorf("expected mutex released for f0300, got %v", mutex.released)
	}
}

func TestHandleJob_HandlerErrorPropagatesAndRecordsError(t *testing.T) {
	registry := handler.NewRegistry()
	wantErr := errors.New("handler blew up")
	registry.Register("retrieval", handler.Func(func(ctx context.Context, payload []byte, cancel <-chan struct{}) (handler.Outcome, error) {
		return handler.OutcomeError, wantErr
	}))

	metrics := &fakeMetrics{}
	mutex := &fakeMutex{acquire: true}
	r := New(registry, mutex, &fakeResender{}, metrics, Config{RetrievalTimeout: time.Second})

	job := queue.Job{ID: 11, Data: payload(t, "f0400")}
	err := r.HandleJob(context.Background(), "retrieval", "retrieval", job)
	if err == nil {
		t.Fatal("expected HandleJob to propagate the handler's error so the queue marks the job failed")
	}
	if len(metrics.completed) != 1 || metrics.completed[0] != "retrieval/error" {
		t.Errorf("expected retrieval/error, got %v", metrics.completed)
	}
}

func TestHandleJob_TimeoutRecordsAbortedAndDoesNotPropagate(t *testing.T) {
	registry := handler.NewRegistry()
	registry.Register("deal", handler.Func(func(ctx context.Context, payload []byte, cancel <-chan struct{}) (handler.Outcome, error) {
		<-cancel
		return handler.OutcomeAborted, errors.New("context deadline exceeded")
	}))

	metrics := &fakeMetrics{}
	mutex := &fakeMutex{acquire: true}
	r := New(registry, mutex, &fakeResender{}, metrics, Config{DealTimeout: 10 * time.Millisecond})

	job := queue.Job{ID: 13, Data: payload(t, "f0500")}
	err := r.HandleJob(context.Background(), "deal", "deal", job)
	if err != nil {
		t.Fatalf("aborted outcome is still terminal at the queue level; HandleJob should return nil, got %v", err)
	}
	if len(metrics.completed) != 1 || metrics.completed[0] != "deal/aborted" {
		t.Errorf("expected deal/aborted, got %v", metrics.completed)
	}
}

func TestHandleJob_UnknownJobTypeConsumedSilently(t *testing.T) {
	registry := handler.NewRegistry()
	metrics := &fakeMetrics{}
	r := New(registry, nil, &fakeResender{}, metrics, Config{})

	job := queue.Job{ID: 21, Data: []byte("{}")}
	if err := r.HandleJob(context.Background(), "unknown", "unknown", job); err != nil {
		t.Fatalf("unknown job type should be consumed silently, got %v", err)
	}
	if len(metrics.started) != 0 {
		t.Errorf("unknown job type should never record started, got %v", metrics.started)
	}
}
