// Package reconciler maintains the set of due work items from a mutable
// population of active providers and configurable target rates. It runs at
// the start of every tick (control_plane/main.go's tick-orchestration
// order, here without the HTTP surface).
package reconciler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dealfleet/scheduler/config"
)

const (
	JobTypeDeal             = "deal"
	JobTypeRetrieval        = "retrieval"
	JobTypeMetrics          = "metrics"
	JobTypeMetricsCleanup   = "metrics_cleanup"
	JobTypeProvidersRefresh = "providers_refresh"
)

// globalAddress is the sentinel sp_address for jobs with no per-provider
// scope.
const globalAddress = ""

// ProviderSource is the external collaborator the reconciler consumes to
// discover the current active-provider set.
type ProviderSource interface {
	ListActiveProviders(ctx context.Context) ([]string, error)
}

// Store is the subset of schedulestore.Store the reconciler needs.
type Store interface {
	UpsertSchedule(ctx context.Context, jobType, spAddress string, intervalSeconds int, nextRunAt time.Time) error
	DeleteSchedulesForInactiveProvidersUnguarded(ctx context.Context, active map[string]struct{}) ([]string, error)
}

// Reconciler ensures schedule rows exist for exactly the active providers
// and the fixed set of global jobs.
type Reconciler struct {
	store  Store
	source ProviderSource
	cfg    *config.Config
}

func New(store Store, source ProviderSource, cfg *config.Config) *Reconciler {
	return &Reconciler{store: store, source: source, cfg: cfg}
}

// Reconcile runs one reconciliation pass. Any step failing is reported up;
// the reconciler never retries locally — the next tick retries the whole
// pass (spec section 4.4).
func (r *Reconciler) Reconcile(ctx context.Context, now time.Time) error {
	active, err := r.source.ListActiveProviders(ctx)
	if err != nil {
		return fmt.Errorf("list active providers: %w", err)
	}

	dealInterval := config.IntervalSeconds(r.cfg.DealsPerSPPerHour)
	retrievalInterval := config.IntervalSeconds(r.cfg.RetrievalsPerSPPerHour)
	phase := time.Duration(r.cfg.SchedulePhaseSeconds) * time.Second

	for _, addr := range active {
		if err := r.store.UpsertSchedule(ctx, JobTypeDeal, addr, dealInterval, now.Add(phase)); err != nil {
			return fmt.Errorf("upsert deal schedule for %s: %w", addr, err)
		}
		if err := r.store.UpsertSchedule(ctx, JobTypeRetrieval, addr, retrievalInterval, now.Add(phase)); err != nil {
			return fmt.Errorf("upsert retrieval schedule for %s: %w", addr, err)
		}
	}

	if err := r.guardedDelete(ctx, active); err != nil {
		return err
	}

	if err := r.ensureGlobalSchedules(ctx, now); err != nil {
		return err
	}

	return nil
}

// guardedDelete only calls through to the store's unguarded delete when the
// active set is non-empty. An empty set means "unknown", never "all
// providers departed" (spec section 4.4 step 4, P6, section 9's open
// question): the unguarded form exists in schedulestore for completeness
// and is documented as destructive, but is never reached from this path.
func (r *Reconciler) guardedDelete(ctx context.Context, active []string) error {
	if len(active) == 0 {
		log.Printf("reconciler: active provider set is empty; skipping schedule deletion (treating as unknown, not departure)")
		return nil
	}

	activeSet := make(map[string]struct{}, len(active))
	for _, a := range active {
		activeSet[a] = struct{}{}
	}

	removed, err := r.store.DeleteSchedulesForInactiveProvidersUnguarded(ctx, activeSet)
	if err != nil {
		return fmt.Errorf("delete inactive provider schedules: %w", err)
	}
	for _, addr := range removed {
		log.Printf("reconciler: removed schedules for departed provider %s", addr)
	}
	return nil
}

// ensureGlobalSchedules creates one row per global job type if absent. The
// phase only applies on insert because UpsertSchedule leaves an existing
// row's next_run_at untouched.
func (r *Reconciler) ensureGlobalSchedules(ctx context.Context, now time.Time) error {
	phase := time.Duration(r.cfg.SchedulePhaseSeconds) * time.Second
	metricsInterval := config.IntervalSeconds(r.cfg.MetricsPerHour)
	cleanupInterval := r.cfg.MetricsCleanupHours * 3600
	if cleanupInterval < 1 {
		cleanupInterval = 1
	}
	refreshInterval := r.cfg.ProvidersRefreshHours * 3600
	if refreshInterval < 1 {
		refreshInterval = 1
	}

	globals := []struct {
		jobType  string
		interval int
	}{
		{JobTypeMetrics, metricsInterval},
		{JobTypeMetricsCleanup, cleanupInterval},
		{JobTypeProvidersRefresh, refreshInterval},
	}

	for _, g := range globals {
		if err := r.store.UpsertSchedule(ctx, g.jobType, globalAddress, g.interval, now.Add(phase)); err != nil {
			return fmt.Errorf("ensure global schedule %s: %w", g.jobType, err)
		}
	}
	return nil
}
