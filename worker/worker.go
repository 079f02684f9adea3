// Package worker implements the Worker Runtime: per-queue workers that
// dispatch payloads to registered handlers under a per-job timeout,
// deferring during maintenance windows and recording lifecycle metrics.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dealfleet/scheduler/handler"
	"github.com/dealfleet/scheduler/maintenance"
	"github.com/dealfleet/scheduler/queue"
)

// Payload is the common envelope for deal/retrieval/metrics/etc jobs (spec
// section 6's handler contract).
type Payload struct {
	SPAddress       string `json:"sp_address,omitempty"`
	IntervalSeconds int    `json:"interval_seconds"`
}

// Mutex is the subset of schedulestore.Store the runtime needs for
// per-provider exclusion (defense-in-depth over the queue's singleton
// policy, per spec section 4.6).
type Mutex interface {
	AcquireMutex(ctx context.Context, jobType, spAddress, jobID, hostname string, staleSeconds int, now time.Time) (bool, error)
	ReleaseMutex(ctx context.Context, spAddress, jobID string) (bool, error)
}

// Resender atomically finalizes the dequeued job (completedJobID) and
// re-sends its payload at a new start_after under the same singleton key —
// used for maintenance deferral and mutex-contention requeue. Both paths
// must free the singleton slot and insert the replacement in one
// transaction: a separate Send would still see the original row as active
// and collide with it (spec section 4.6).
type Resender interface {
	Requeue(ctx context.Context, completedJobID int64, queueName string, payload []byte, startAfter time.Time, singletonKey string) error
}

// Metrics is the subset of the metrics package the runtime writes to.
type Metrics interface {
	ObserveJobDuration(jobType string, seconds float64)
	IncJobStarted(jobType string)
	IncJobCompleted(jobType, result string)
}

// MaintenanceSource supplies the current maintenance window configuration;
// it is called on every dequeue. The source wired in scheduler/main.go
// returns the windows loaded once at startup.
type MaintenanceSource func() (windows []maintenance.Window, durationMinutes int)

// Config configures one Runtime instance.
type Config struct {
	Hostname          string
	MutexStaleSeconds int
	LockRetrySeconds  int
	DealTimeout       time.Duration
	RetrievalTimeout  time.Duration
	Maintenance       MaintenanceSource
}

// timeoutFor returns the per-job-type timeout, with a floor of one second
// per spec section 6.
func (c Config) timeoutFor(jobType string) time.Duration {
	var d time.Duration
	switch jobType {
	case "deal":
		d = c.DealTimeout
	case "retrieval":
		d = c.RetrievalTimeout
	default:
		d = 30 * time.Second
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}

// Runtime dispatches dequeued jobs to registered handlers.
type Runtime struct {
	registry *handler.Registry
	mutex    Mutex
	resender Resender
	metrics  Metrics
	cfg      Config
}

func New(registry *handler.Registry, mutex Mutex, resender Resender, metrics Metrics, cfg Config) *Runtime {
	if cfg.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			h = "unknown"
		}
		cfg.Hostname = h
	}
	return &Runtime{registry: registry, mutex: mutex, resender: resender, metrics: metrics, cfg: cfg}
}

// perProviderJobTypes get the defense-in-depth mutex.
var perProviderJobTypes = map[string]bool{
	"deal":      true,
	"retrieval": true,
}

// HandleJob is invoked once per dequeued job. It implements the state
// machine from spec section 4.6: maintenance deferral, mutex try, handling
// under a cancellation signal, then release + metrics.
func (r *Runtime) HandleJob(ctx context.Context, jobType, queueName string, job queue.Job) error {
	now := time.Now().UTC()

	if r.cfg.Maintenance != nil {
		windows, duration := r.cfg.Maintenance()
		result := maintenance.Evaluate(now, windows, duration)
		if result.Active {
			var p Payload
			singletonKey := ""
			if err := json.Unmarshal(job.Data, &p); err == nil {
				singletonKey = p.SPAddress
			}
			if err := r.resender.Requeue(ctx, job.ID, queueName, job.Data, result.ResumeAt, singletonKey); err != nil {
				log.Printf("worker[%s]: maintenance deferral requeue failed: %v", jobType, err)
			}
			return nil // consumed cleanly; no handler invocation, no started_total increment
		}
	}

	jobID := queue.NewJobID()

	var singletonKey string
	if perProviderJobTypes[jobType] {
		var p Payload
		if err := json.Unmarshal(job.Data, &p); err != nil {
			return fmt.Errorf("unmarshal payload for mutex: %w", err)
		}
		singletonKey = p.SPAddress

		acquired, err := r.mutex.AcquireMutex(ctx, jobType, p.SPAddress, jobID, r.cfg.Hostname, r.cfg.MutexStaleSeconds, now)
		if err != nil {
			log.Printf("worker[%s]: mutex acquire error for %s: %v", jobType, p.SPAddress, err)
			return nil
		}
		if !acquired {
			retryAt := now.Add(time.Duration(r.cfg.LockRetrySeconds) * time.Second)
			if err := r.resender.Requeue(ctx, job.ID, queueName, job.Data, retryAt, singletonKey); err != nil {
				log.Printf("worker[%s]: mutex-contention requeue failed: %v", jobType, err)
			}
			return nil // consumed cleanly; REQUEUED state
		}
		defer func() {
			if _, err := r.mutex.ReleaseMutex(context.Background(), p.SPAddress, jobID); err != nil {
				log.Printf("worker[%s]: mutex release failed for %s: %v", jobType, p.SPAddress, err)
			}
		}()
	}

	h, ok := r.registry.Lookup(jobType)
	if !ok {
		log.Printf("worker: unknown job type %q; consuming silently", jobType)
		return nil
	}

	return r.dispatch(ctx, jobType, h, job)
}

// dispatch runs the handler under a cancellation signal fused to the
// per-job-type timeout, and records lifecycle metrics.
func (r *Runtime) dispatch(ctx context.Context, jobType string, h handler.Handler, job queue.Job) error {
	timeout := r.cfg.timeoutFor(jobType)
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cancelCh := make(chan struct{})
	go func() {
		<-jobCtx.Done()
		close(cancelCh)
	}()

	r.metrics.IncJobStarted(jobType)
	start := time.Now()

	outcome, err := h.Invoke(jobCtx, job.Data, cancelCh)

	result := outcome.String()
	var dispatchErr error
	if err != nil && jobCtx.Err() != nil {
		// The signal fired and the handler raised: label aborted, not
		// error (spec section 4.6 step 5). Aborted is still a terminal
		// outcome at the queue level — no re-queue, so the row completes.
		result = handler.OutcomeAborted.String()
	} else if err != nil {
		result = handler.OutcomeError.String()
		dispatchErr = err
	}

	r.metrics.ObserveJobDuration(jobType, time.Since(start).Seconds())
	r.metrics.IncJobCompleted(jobType, result)
	return dispatchErr
}

// RunGroup starts one Work loop per (jobType, queueName) under a shared
// errgroup, so a handler panic/error in one queue doesn't take down
// another — mirroring the teacher's per-task goroutine-with-recover shape
// in control_plane/scheduler/scheduler.go, lifted to one goroutine per
// queue instead of per job.
func RunGroup(ctx context.Context, q *queue.Adapter, jobTypes []string, localConcurrency, batchSize, pollSeconds int, runtime *Runtime) *errgroup.Group {
	g, gctx := errgroup.WithContext(ctx)
	for _, jt := range jobTypes {
		jt := jt
		g.Go(func() error {
			return q.Work(gctx, jt, queue.WorkOptions{
				BatchSize:              batchSize,
				LocalConcurrency:       localConcurrency,
				PollingIntervalSeconds: pollSeconds,
			}, func(hctx context.Context, job queue.Job) error {
				defer func() {
					if rec := recover(); rec != nil {
						log.Printf("worker[%s]: handler panicked: %v", jt, rec)
					}
				}()
				return runtime.HandleJob(hctx, jt, jt, job)
			})
		})
	}
	return g
}
