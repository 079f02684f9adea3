// Command scheduler is the process entrypoint: it wires the Schedule
// Store, Queue Adapter, Reconciler, Enqueue Loop, Worker Runtime, and
// Metrics Collector into one running process, the way
// control_plane/main.go wires the teacher's subsystems together.
package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dealfleet/scheduler/queue"
)

// queueSender adapts *queue.Adapter to enqueue.Sender: the enqueue loop
// only cares whether a send succeeded, so a singleton collision is folded
// into the same "this slot didn't land" path as a transport error.
type queueSender struct {
	q *queue.Adapter
}

func (s queueSender) Send(ctx context.Context, tx pgx.Tx, queueName string, payload []byte, startAfter time.Time, singletonKey string) error {
	_, err := s.q.Send(ctx, tx, queueName, payload, queue.SendOptions{
		StartAfter:   startAfter,
		SingletonKey: singletonKey,
	})
	return err
}

// queueResender adapts *queue.Adapter to worker.Resender for maintenance
// deferral and mutex-contention requeue. Both finalize the original
// dequeued row and insert the replacement in one transaction (queue.Requeue)
// so the replacement never collides with the row it's replacing.
type queueResender struct {
	q *queue.Adapter
}

func (r queueResender) Requeue(ctx context.Context, completedJobID int64, queueName string, payload []byte, startAfter time.Time, singletonKey string) error {
	_, err := r.q.Requeue(ctx, completedJobID, queueName, payload, queue.SendOptions{
		StartAfter:   startAfter,
		SingletonKey: singletonKey,
	})
	return err
}
