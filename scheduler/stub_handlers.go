package main

import (
	"context"
	"log"

	"github.com/dealfleet/scheduler/handler"
)

// registerStubHandlers wires a handler.Registry with logging-only
// placeholders for every built-in job type. Real deployments register
// their own handlers instead — the actual work a handler performs
// (contacting a provider, running a retrieval probe) is an external
// collaborator the core never depends on.
func registerStubHandlers(registry *handler.Registry) {
	for _, jobType := range []string{"deal", "retrieval", "metrics", "metrics_cleanup", "providers_refresh"} {
		jobType := jobType
		registry.Register(jobType, handler.Func(func(ctx context.Context, payload []byte, cancel <-chan struct{}) (handler.Outcome, error) {
			log.Printf("scheduler: no handler registered for %q beyond the built-in stub; payload=%s", jobType, payload)
			return handler.OutcomeSuccess, nil
		}))
	}
}
