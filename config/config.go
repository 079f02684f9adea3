// Package config loads the recognized configuration surface (spec section
// 6) once at process init, via struct tags instead of the teacher's
// repeated os.Getenv/fmt.Sscanf pairs — the pack's target-mmk-ui-api uses
// caarlos0/env for exactly this, and this spec's option count makes the
// struct-tag approach the better fit.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Mode selects the scheduling backend. Anything other than "pgboss" means
// the core does nothing (spec section 6).
type Mode string

const (
	ModePGBoss Mode = "pgboss"
	ModeCron   Mode = "cron"
)

// RunMode gates which subsystems a process starts.
type RunMode string

const (
	RunModeAPI    RunMode = "api"
	RunModeWorker RunMode = "worker"
	RunModeBoth   RunMode = "both"
)

// Config is the full recognized configuration surface.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:""`

	Mode    Mode    `env:"MODE" envDefault:"pgboss"`
	RunMode RunMode `env:"RUN_MODE" envDefault:"both"`

	SchedulerPollSeconds int `env:"SCHEDULER_POLL_SECONDS" envDefault:"15"`
	CatchupMaxEnqueue    int `env:"CATCHUP_MAX_ENQUEUE" envDefault:"10"`
	CatchupSpreadHours   int `env:"CATCHUP_SPREAD_HOURS" envDefault:"1"`
	SchedulePhaseSeconds int `env:"SCHEDULE_PHASE_SECONDS" envDefault:"0"`
	EnqueueJitterSeconds int `env:"ENQUEUE_JITTER_SECONDS" envDefault:"0"`
	LockRetrySeconds     int `env:"LOCK_RETRY_SECONDS" envDefault:"30"`
	MutexStaleSeconds    int `env:"MUTEX_STALE_SECONDS" envDefault:"600"`

	DealJobTimeoutSeconds      int `env:"DEAL_JOB_TIMEOUT_SECONDS" envDefault:"300"`
	RetrievalJobTimeoutSeconds int `env:"RETRIEVAL_JOB_TIMEOUT_SECONDS" envDefault:"180"`

	WorkerPollSeconds      int `env:"WORKER_POLL_SECONDS" envDefault:"5"`
	PgBossLocalConcurrency int `env:"PGBOSS_LOCAL_CONCURRENCY" envDefault:"5"`
	PgBossPoolMax          int `env:"PGBOSS_POOL_MAX" envDefault:"20"`

	DealsPerSPPerHour       float64 `env:"DEALS_PER_SP_PER_HOUR" envDefault:"1"`
	RetrievalsPerSPPerHour  float64 `env:"RETRIEVALS_PER_SP_PER_HOUR" envDefault:"1"`
	MetricsPerHour          float64 `env:"METRICS_PER_HOUR" envDefault:"12"`
	MetricsCleanupHours     int     `env:"METRICS_CLEANUP_HOURS" envDefault:"168"` // weekly
	ProvidersRefreshHours   int     `env:"PROVIDERS_REFRESH_HOURS" envDefault:"6"`

	MaintenanceWindowsUTC    []int `env:"MAINTENANCE_WINDOWS_UTC" envSeparator:","`
	MaintenanceWindowMinutes int   `env:"MAINTENANCE_WINDOW_MINUTES" envDefault:"0"`

	// StaticActiveProviders is the built-in provider source for deployments
	// with no external provider directory wired in. Real deployments
	// replace this by implementing reconciler.ProviderSource themselves.
	StaticActiveProviders []string `env:"STATIC_ACTIVE_PROVIDERS" envSeparator:","`

	TickLeaseSeconds int `env:"TICK_LEASE_SECONDS" envDefault:"30"`
}

// Load reads and validates the configuration surface from the process
// environment. Every option is read once, matching spec section 6.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.SchedulerPollSeconds < 1 {
		cfg.SchedulerPollSeconds = 1 // floor per spec section 4.5
	}
	if cfg.WorkerPollSeconds < 1 {
		cfg.WorkerPollSeconds = 1
	}
	if cfg.DealJobTimeoutSeconds < 1 {
		cfg.DealJobTimeoutSeconds = 1
	}
	if cfg.RetrievalJobTimeoutSeconds < 1 {
		cfg.RetrievalJobTimeoutSeconds = 1
	}
	return cfg, nil
}

// IntervalSeconds derives a target interval from a per-hour rate:
// round(3600/rate), clamped to at least 1 second (spec section 4.4).
func IntervalSeconds(ratePerHour float64) int {
	if ratePerHour <= 0 {
		return 1
	}
	interval := int(3600/ratePerHour + 0.5)
	if interval < 1 {
		interval = 1
	}
	return interval
}
