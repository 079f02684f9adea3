// Package coordination provides an optional, advisory fleet-wide lease used
// to debounce duplicate ticks when more than one scheduler process runs
// against the same database. It is never load-bearing: every operation it
// guards (reconcile, enqueue, collect) is already safe to run concurrently
// from multiple processes, so a missed or stolen lease only costs redundant
// work, never correctness. Adapted from the teacher's LeaderElector
// (control_plane/coordination/leader.go), stripped of its durable fencing
// epoch — nothing here needs a monotonic fencing token because nothing it
// guards requires exclusivity to be correct.
package coordination

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultLockKey = "dealfleet:tick-lease"

// TickLease holds a renewable Redis lease that gates one process at a time
// into running a tick, when a client is configured. With a nil client it
// always reports held (single-process / no-Redis deployments).
type TickLease struct {
	client *redis.Client
	nodeID string
	key    string
	ttl    time.Duration

	mu    sync.Mutex
	held  bool
	token string
}

func New(client *redis.Client, ttl time.Duration) *TickLease {
	return &TickLease{
		client: client,
		nodeID: uuid.NewString(),
		key:    defaultLockKey,
		ttl:    ttl,
	}
}

// TryAcquire attempts to (re-)acquire the lease for this process. When no
// Redis client is configured it always succeeds, so the tick loop runs
// unconditionally (spec section 1: single-process deployments need no
// coordination at all).
func (l *TickLease) TryAcquire(ctx context.Context) bool {
	if l.client == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		renewed, err := l.renewLocked(ctx)
		if err != nil {
			log.Printf("coordination: tick lease renew error: %v", err)
			l.held = false
			return false
		}
		if renewed {
			return true
		}
		l.held = false
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		log.Printf("coordination: tick lease acquire error: %v", err)
		return false
	}
	if ok {
		l.held = true
		l.token = token
	}
	return ok
}

// renewLocked extends the lease's TTL if this process still owns it,
// comparing the stored token first so a process never renews a lease that
// expired and was re-acquired by another node in between.
func (l *TickLease) renewLocked(ctx context.Context) (bool, error) {
	got, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if got != l.token {
		return false, nil
	}
	if err := l.client.Expire(ctx, l.key, l.ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// Release gives up the lease early, e.g. during graceful shutdown, so the
// next tick doesn't wait out the full TTL on another node.
func (l *TickLease) Release(ctx context.Context) {
	if l.client == nil {
		return
	}
	l.mu.Lock()
	token := l.token
	held := l.held
	l.held = false
	l.token = ""
	l.mu.Unlock()

	if !held {
		return
	}
	got, err := l.client.Get(ctx, l.key).Result()
	if err != nil {
		return
	}
	if got == token {
		l.client.Del(ctx, l.key)
	}
}
