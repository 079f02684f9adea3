package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/dealfleet/scheduler/config"
)

type upsertCall struct {
	jobType, spAddress string
	interval           int
	nextRunAt          time.Time
}

type fakeStore struct {
	upserts      []upsertCall
	deleteCalled bool
	deleteActive map[string]struct{}
	deleteResult []string
}

func (f *fakeStore) UpsertSchedule(ctx context.Context, jobType, spAddress string, intervalSeconds int, nextRunAt time.Time) error {
	f.upserts = append(f.upserts, upsertCall{jobType, spAddress, intervalSeconds, nextRunAt})
	return nil
}

func (f *fakeStore) DeleteSchedulesForInactiveProvidersUnguarded(ctx context.Context, active map[string]struct{}) ([]string, error) {
	f.deleteCalled = true
	f.deleteActive = active
	return f.deleteResult, nil
}

type fakeSource struct {
	addrs []string
}

func (f *fakeSource) ListActiveProviders(ctx context.Context) ([]string, error) {
	return f.addrs, nil
}

func testConfig() *config.Config {
	return &config.Config{
		DealsPerSPPerHour:      60,
		RetrievalsPerSPPerHour: 30,
		MetricsPerHour:         12,
		MetricsCleanupHours:    168,
		ProvidersRefreshHours:  6,
		SchedulePhaseSeconds:   0,
	}
}

func TestReconcile_FreshInsert(t *testing.T) {
	store := &fakeStore{}
	source := &fakeSource{addrs: []string{"f0100"}}
	r := New(store, source, testConfig())

	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	if err := r.Reconcile(context.Background(), now); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if len(store.upserts) != 2+3 {
		t.Fatalf("expected 2 per-provider + 3 global upserts, got %d", len(store.upserts))
	}
	first := store.upserts[0]
	if first.jobType != JobTypeDeal || first.spAddress != "f0100" || first.interval != 60 {
		t.Errorf("unexpected deal upsert: %+v", first)
	}
	if !first.nextRunAt.Equal(now) {
		t.Errorf("phase 0 upsert should use now exactly, got %v", first.nextRunAt)
	}
}

func TestReconcile_EmptyActiveSetSuppressesDeletion(t *testing.T) {
	store := &fakeStore{}
	source := &fakeSource{addrs: nil}
	r := New(store, source, testConfig())

	if err := r.Reconcile(context.Background(), time.Now()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if store.deleteCalled {
		t.Fatalf("expected deletion to be suppressed for empty active set")
	}
	// Global schedules must still be ensured.
	if len(store.upserts) != 3 {
		t.Fatalf("expected 3 global upserts, got %d", len(store.upserts))
	}
}

func TestReconcile_NonEmptyActiveSetDeletesInactive(t *testing.T) {
	store := &fakeStore{deleteResult: []string{"f0200"}}
	source := &fakeSource{addrs: []string{"f0100"}}
	r := New(store, source, testConfig())

	if err := r.Reconcile(context.Background(), time.Now()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if !store.deleteCalled {
		t.Fatalf("expected deletion to run for non-empty active set")
	}
	if _, ok := store.deleteActive["f0100"]; !ok {
		t.Errorf("expected active set to contain f0100, got %v", store.deleteActive)
	}
}
