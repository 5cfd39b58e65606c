package scheduler

import (
	"context"
	"time"
)

// Blocking is the blocking reference implementation: single-threaded,
// synchronous execution on the calling goroutine. Suitable for tests and
// as the initial implementation; it satisfies the same Scheduler
// contract as the event-loop implementation.
type Blocking struct {
	observer JobObserver
	shutdown bool
}

// NewBlocking creates a blocking scheduler. observer may be nil.
func NewBlocking(observer JobObserver) *Blocking {
	if observer == nil {
		observer = ObserverFunc(func(string, Job) {})
	}
	return &Blocking{observer: observer}
}

// Submit runs the job synchronously; it returns an error only after
// Shutdown. It still fills in Job timestamps so trace/span-promotion logic is
// exercised identically to the event-loop implementation.
func (b *Blocking) Submit(job Job) error {
	if b.shutdown {
		return queueFullError(job.Pool)
	}
	job.EnqueueTime = time.Now()
	b.observer.Observe("enqueued", job)

	job.RunStart = time.Now()
	b.observer.Observe("started", job)

	if job.Ctx == nil {
		job.Ctx = context.Background()
	}
	job.Run(job.Ctx)

	job.RunEnd = time.Now()
	job.Success = true
	b.observer.Observe("completed", job)
	return nil
}

// Shutdown marks the scheduler closed to new submissions; there is no
// in-flight work to drain since Submit runs synchronously.
func (b *Blocking) Shutdown(ctx context.Context) error {
	b.shutdown = true
	return nil
}
