// Package metrics implements the Metrics Collector: it exposes live
// Prometheus instruments for job lifecycle events and periodically samples
// queue/schedule state into gauges, following the naming convention and
// promauto wiring of control_plane/observability/metrics.go.
package metrics

import (
	"context"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector owns every Prometheus instrument the scheduler emits and knows
// how to sample queue/store state into the gauges on a tick.
type Collector struct {
	jobDuration   *prometheus.HistogramVec
	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec

	queueDepth       *prometheus.GaugeVec
	oldestQueuedAge  *prometheus.GaugeVec
	oldestInFlightAge *prometheus.GaugeVec
	pausedSchedules  *prometheus.GaugeVec
	staleMutexes     prometheus.Gauge

	tickDuration *prometheus.HistogramVec
	tickFailures *prometheus.CounterVec
}

func New(registerer prometheus.Registerer) *Collector {
	factory := promauto.With(registerer)

	return &Collector{
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dealfleet_job_duration_seconds",
			Help:    "Handler invocation duration by job type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job_type"}),

		jobsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dealfleet_job_started_total",
			Help: "Jobs handed to a handler, by job type.",
		}, []string{"job_type"}),

		jobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dealfleet_job_completed_total",
			Help: "Jobs that finished a handler invocation, by job type and result.",
		}, []string{"job_type", "result"}),

		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dealfleet_queue_depth",
			Help: "Current queue job count by queue name and state.",
		}, []string{"queue", "state"}),

		oldestQueuedAge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dealfleet_oldest_queued_age_seconds",
			Help: "Age of the oldest created job per queue.",
		}, []string{"queue"}),

		oldestInFlightAge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dealfleet_oldest_in_flight_age_seconds",
			Help: "Age of the oldest active job per queue.",
		}, []string{"queue"}),

		pausedSchedules: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dealfleet_paused_schedules",
			Help: "Number of schedule rows currently paused, by job type.",
		}, []string{"job_type"}),

		staleMutexes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dealfleet_stale_mutexes",
			Help: "Number of per-provider mutex rows older than the stale threshold, not yet swept.",
		}),

		tickDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dealfleet_tick_duration_seconds",
			Help:    "Duration of one reconcile+enqueue+collect tick, by stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),

		tickFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dealfleet_tick_failures_total",
			Help: "Tick stage failures, by stage.",
		}, []string{"stage"}),
	}
}

func (c *Collector) ObserveJobDuration(jobType string, seconds float64) {
	c.jobDuration.WithLabelValues(jobType).Observe(seconds)
}

func (c *Collector) IncJobStarted(jobType string) {
	c.jobsStarted.WithLabelValues(jobType).Inc()
}

func (c *Collector) IncJobCompleted(jobType, result string) {
	c.jobsCompleted.WithLabelValues(jobType, result).Inc()
}

func (c *Collector) ObserveTick(stage string, seconds float64) {
	c.tickDuration.WithLabelValues(stage).Observe(seconds)
}

func (c *Collector) IncTickFailure(stage string) {
	c.tickFailures.WithLabelValues(stage).Inc()
}

// QueueSource is the subset of queue.Adapter the collector samples.
type QueueSource interface {
	CountByState(ctx context.Context, states []string) (map[string]map[string]int, error)
	MinAge(ctx context.Context, state string, now time.Time) (map[string]float64, error)
}

// ScheduleSource is the subset of schedulestore.Store the collector samples.
type ScheduleSource interface {
	CountPausedSchedules(ctx context.Context) (map[string]int, error)
	CountStaleMutexes(ctx context.Context, staleSeconds int, now time.Time) (int, error)
}

// sampledStates are the queue states the collector reports a gauge for.
var sampledStates = []string{"created", "retry", "active"}

// CollectOnce samples queue and schedule state into the gauges. Queue
// gauges are zeroed first so a queue that drains to empty is reported as
// zero rather than left at its last nonzero value (spec section 4.7).
func (c *Collector) CollectOnce(ctx context.Context, q QueueSource, s ScheduleSource, queueNames []string, mutexStaleSeconds int, now time.Time) {
	c.queueDepth.Reset()

	counts, err := q.CountByState(ctx, sampledStates)
	if err != nil {
		log.Printf("metrics: count queue states: %v", err)
	} else {
		for _, queueName := range queueNames {
			for _, state := range sampledStates {
				c.queueDepth.WithLabelValues(queueName, state).Set(float64(counts[queueName][state]))
			}
		}
		if len(counts) == 0 && len(queueNames) > 0 {
			log.Printf("metrics: queue state sample returned no rows for %d known queues; check wiring", len(queueNames))
		}
	}

	c.oldestQueuedAge.Reset()
	if ages, err := q.MinAge(ctx, "created", now); err != nil {
		log.Printf("metrics: oldest queued age: %v", err)
	} else {
		for queueName, age := range ages {
			c.oldestQueuedAge.WithLabelValues(queueName).Set(age)
		}
	}

	c.oldestInFlightAge.Reset()
	if ages, err := q.MinAge(ctx, "active", now); err != nil {
		log.Printf("metrics: oldest in-flight age: %v", err)
	} else {
		for queueName, age := range ages {
			c.oldestInFlightAge.WithLabelValues(queueName).Set(age)
		}
	}

	c.pausedSchedules.Reset()
	if paused, err := s.CountPausedSchedules(ctx); err != nil {
		log.Printf("metrics: count paused schedules: %v", err)
	} else {
		for jobType, count := range paused {
			c.pausedSchedules.WithLabelValues(jobType).Set(float64(count))
		}
	}

	if stale, err := s.CountStaleMutexes(ctx, mutexStaleSeconds, now); err != nil {
		log.Printf("metrics: count stale mutexes: %v", err)
	} else {
		c.staleMutexes.Set(float64(stale))
	}
}

// RunForever samples on every tick of interval until ctx is cancelled,
// mirroring the teacher's runMetricsCollector background ticker in
// control_plane/main.go.
func (c *Collector) RunForever(ctx context.Context, interval time.Duration, q QueueSource, s ScheduleSource, queueNames []string, mutexStaleSeconds int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CollectOnce(ctx, q, s, queueNames, mutexStaleSeconds, time.Now().UTC())
		}
	}
}
