package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dealfleet/scheduler/config"
	"github.com/dealfleet/scheduler/coordination"
	"github.com/dealfleet/scheduler/enqueue"
	"github.com/dealfleet/scheduler/handler"
	"github.com/dealfleet/scheduler/maintenance"
	"github.com/dealfleet/scheduler/metrics"
	"github.com/dealfleet/scheduler/queue"
	"github.com/dealfleet/scheduler/reconciler"
	"github.com/dealfleet/scheduler/schedulestore"
	"github.com/dealfleet/scheduler/worker"
)

const (
	queueDeal             = "deal"
	queueRetrieval        = "retrieval"
	queueMetrics          = "metrics"
	queueMetricsCleanup   = "metrics_cleanup"
	queueProvidersRefresh = "providers_refresh"
)

var allQueues = []string{queueDeal, queueRetrieval, queueMetrics, queueMetricsCleanup, queueProvidersRefresh}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("scheduler: config: %v", err)
	}

	if cfg.Mode != config.ModePGBoss {
		log.Printf("scheduler: MODE=%s is not pgboss; the core does nothing in this mode", cfg.Mode)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("scheduler: connect to database: %v", err)
	}
	defer pool.Close()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		log.Printf("scheduler: using Redis at %s for the tick-debounce lease", cfg.RedisAddr)
	} else {
		log.Printf("scheduler: no REDIS_ADDR set; tick-debounce lease disabled (single-process assumption)")
	}

	store := schedulestore.New(pool)
	q := queue.New(pool)
	for _, name := range allQueues {
		policy := queue.PolicyStandard
		if name == queueDeal || name == queueRetrieval {
			policy = queue.PolicySingleton
		}
		if err := q.CreateQueue(ctx, name, policy); err != nil {
			log.Fatalf("scheduler: create queue %s: %v", name, err)
		}
	}

	registry := prometheus.NewRegistry()
	collector := metrics.New(registry)
	http.HandleFunc("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}).ServeHTTP)

	source := reconciler.NewStaticSource(cfg.StaticActiveProviders)
	recon := reconciler.New(store, source, cfg)

	spreadSeconds := cfg.CatchupSpreadHours * 3600
	enqLoop := enqueue.New(store, queueSender{q: q}, enqueue.Options{
		CatchupMax:    cfg.CatchupMaxEnqueue,
		SpreadSeconds: spreadSeconds,
		JitterSeconds: cfg.EnqueueJitterSeconds,
		BuildPayload:  buildPayload,
		QueueName:     queueNameForJobType,
	})

	windows := parseMaintenanceWindows(cfg.MaintenanceWindowsUTC)
	maintenanceSource := func() ([]maintenance.Window, int) { return windows, cfg.MaintenanceWindowMinutes }

	handlers := handler.NewRegistry()
	registerStubHandlers(handlers)

	runtime := worker.New(handlers, store, queueResender{q: q}, collector, worker.Config{
		MutexStaleSeconds: cfg.MutexStaleSeconds,
		LockRetrySeconds:  cfg.LockRetrySeconds,
		DealTimeout:       time.Duration(cfg.DealJobTimeoutSeconds) * time.Second,
		RetrievalTimeout:  time.Duration(cfg.RetrievalJobTimeoutSeconds) * time.Second,
		Maintenance:       maintenanceSource,
	})

	lease := coordination.New(redisClient, time.Duration(cfg.TickLeaseSeconds)*time.Second)

	g, gctx := errgroup.WithContext(ctx)

	// run_mode gates the two core subsystems independently (spec section 6):
	// "api" runs neither (it names the HTTP dashboard surface this
	// implementation doesn't provide), "worker" runs dequeue-and-handle
	// only, "both" additionally runs the reconcile+enqueue+collect tick.
	if cfg.RunMode == config.RunModeWorker || cfg.RunMode == config.RunModeBoth {
		workerGroup := worker.RunGroup(gctx, q, allQueues, cfg.PgBossLocalConcurrency, 1, cfg.WorkerPollSeconds, runtime)
		g.Go(workerGroup.Wait)
	}

	if cfg.RunMode == config.RunModeBoth {
		g.Go(func() error {
			return runTickLoop(gctx, cfg, lease, recon, enqLoop, collector, q, store)
		})
	}

	// The metrics endpoint is an observability surface, not one of the
	// gated subsystems, so it serves regardless of run mode.
	server := &http.Server{Addr: ":9090"}
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	log.Printf("scheduler: running in RUN_MODE=%s", cfg.RunMode)
	if err := g.Wait(); err != nil && gctx.Err() == nil {
		log.Fatalf("scheduler: fatal error: %v", err)
	}

	q.Stop()
	lease.Release(context.Background())
	log.Printf("scheduler: shutdown complete")
}

// runTickLoop runs reconcile -> enqueue -> collect every SchedulerPollSeconds,
// guarded by the fleet-wide tick-debounce lease. Ticks run one after another
// on this goroutine, so two never overlap within the process (P9); while a
// tick runs, the ticker keeps at most one pending tick and drops the rest
// without logging.
func runTickLoop(ctx context.Context, cfg *config.Config, lease *coordination.TickLease, recon *reconciler.Reconciler, enqLoop *enqueue.Loop, collector *metrics.Collector, q *queue.Adapter, store *schedulestore.Store) error {
	ticker := time.NewTicker(time.Duration(cfg.SchedulerPollSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !lease.TryAcquire(ctx) {
				continue
			}
			runTick(ctx, cfg, recon, enqLoop, collector, q, store)
		}
	}
}

func runTick(ctx context.Context, cfg *config.Config, recon *reconciler.Reconciler, enqLoop *enqueue.Loop, collector *metrics.Collector, q *queue.Adapter, store *schedulestore.Store) {
	now := time.Now().UTC()

	start := time.Now()
	if err := recon.Reconcile(ctx, now); err != nil {
		log.Printf("scheduler: reconcile tick failed: %v", err)
		collector.IncTickFailure("reconcile")
	}
	collector.ObserveTick("reconcile", time.Since(start).Seconds())

	start = time.Now()
	result, err := enqLoop.RunOnce(ctx, now)
	if err != nil {
		log.Printf("scheduler: enqueue tick failed: %v", err)
		collector.IncTickFailure("enqueue")
	} else if result.JobsSent > 0 {
		log.Printf("scheduler: enqueue tick sent %d jobs across %d/%d due rows", result.JobsSent, result.RowsAdvanced, result.RowsScanned)
	}
	collector.ObserveTick("enqueue", time.Since(start).Seconds())

	start = time.Now()
	collector.CollectOnce(ctx, q, store, allQueues, cfg.MutexStaleSeconds, now)
	collector.ObserveTick("collect", time.Since(start).Seconds())
}

func queueNameForJobType(jobType string) string {
	return jobType
}

// buildPayload serializes the minimal envelope every handler expects (spec
// section 6's handler contract): sp_address for per-provider jobs plus the
// interval that produced this run, so a handler can self-describe its
// cadence without a second lookup.
func buildPayload(row *schedulestore.ScheduleRow) ([]byte, error) {
	p := worker.Payload{SPAddress: row.SPAddress, IntervalSeconds: row.IntervalSeconds}
	return json.Marshal(p)
}

// parseMaintenanceWindows turns the configured UTC hour-of-day starts into
// minute-of-day windows sharing one label, matching the configuration
// surface in spec section 6.
func parseMaintenanceWindows(hoursUTC []int) []maintenance.Window {
	windows := make([]maintenance.Window, 0, len(hoursUTC))
	for _, h := range hoursUTC {
		windows = append(windows, maintenance.Window{
			Label:        "configured",
			StartMinutes: h * 60,
		})
	}
	return windows
}
