package engine

import (
	"context"
	"log/slog"
	"sync"
)

// Queued wraps a Processor with a buffered channel and a pool of workers,
// for hosts that want change handling off the mutation path. Process only
// enqueues; failures inside workers are logged, relying on idempotent
// redelivery for recovery.
type Queued struct {
	next Processor
	ch   chan Notification
	wg   sync.WaitGroup
	log  *slog.Logger

	closeOnce sync.Once
}

// NewQueued starts workers goroutines draining a buffer of the given size.
func NewQueued(next Processor, buffer, workers int, log *slog.Logger) *Queued {
	if buffer <= 0 {
		buffer = 1000
	}
	if workers <= 0 {
		workers = 1
	}
	q := &Queued{
		next: next,
		ch:   make(chan Notification, buffer),
		log:  log,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.run()
	}
	return q
}

func (q *Queued) run() {
	defer q.wg.Done()
	for n := range q.ch {
		if err := q.next.Process(context.Background(), n); err != nil {
			q.log.Error("deferred sync failed", "model", n.Model, "op", string(n.Op), "error", err)
		}
	}
}

// Process enqueues the notification, blocking only when the buffer is full.
func (q *Queued) Process(ctx context.Context, n Notification) error {
	select {
	case q.ch <- n:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain stops intake and waits for in-flight notifications to finish.
func (q *Queued) Drain() {
	q.closeOnce.Do(func() { close(q.ch) })
	q.wg.Wait()
}
