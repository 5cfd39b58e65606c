package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/stepflow/engine/system/framework/lifecycle"
)

// workerPool runs jobs from a bounded channel shared by its N worker
// goroutines. Workers also pull from a second bounded overflow queue,
// which takes jobs when the primary channel is full.
type workerPool struct {
	kind     PoolKind
	jobs     chan Job
	overflow chan Job
	wg       sync.WaitGroup
	observer JobObserver
	gs       *lifecycle.GracefulShutdown
}

func newWorkerPool(kind PoolKind, workers, queueBound int, observer JobObserver) *workerPool {
	p := &workerPool{
		kind:     kind,
		jobs:     make(chan Job, queueBound),
		overflow: make(chan Job, queueBound),
		observer: observer,
		gs:       lifecycle.NewGracefulShutdown(),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
	return p
}

func (p *workerPool) runWorker(id int) {
	defer p.wg.Done()
	for {
		var job Job
		var ok bool
		select {
		case job, ok = <-p.jobs:
		default:
			select {
			case job, ok = <-p.jobs:
			case job, ok = <-p.overflow:
			}
		}
		if !ok {
			return
		}
		p.execute(job, id)
	}
}

func (p *workerPool) execute(job Job, workerID int) {
	guard := lifecycle.NewOperationGuard(p.gs)
	if guard != nil {
		defer guard.Close()
	}

	job.WorkerID = workerID
	job.RunStart = time.Now()
	p.observer.Observe("started", job)

	if job.Ctx == nil {
		job.Ctx = context.Background()
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				job.Success = false
			}
		}()
		job.Run(job.Ctx)
		job.Success = true
	}()

	job.RunEnd = time.Now()
	p.observer.Observe("completed", job)
}

// submit enqueues a job, falling back to the overflow queue (still
// bounded) when the primary queue is full, and failing with
// TooManyRequests only once both are saturated.
func (p *workerPool) submit(job Job) error {
	job.EnqueueTime = time.Now()
	p.observer.Observe("enqueued", job)

	select {
	case p.jobs <- job:
		return nil
	default:
	}
	select {
	case p.overflow <- job:
		return nil
	default:
		return queueFullError(p.kind)
	}
}

func (p *workerPool) shutdown(ctx context.Context) error {
	close(p.jobs)
	close(p.overflow)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EventLoop is the production-throughput reference implementation: each
// pool is backed by its own set of worker goroutines. The compute pool
// may be shared with the continuation pool or disabled per
// Config.ComputeKind.
type EventLoop struct {
	continuation *workerPool
	effector     *workerPool
	compute      *workerPool // same pool as continuation when ComputeKind == "shared"; nil when "none"
}

// NewEventLoop builds the three pools per cfg. observer is notified of
// every job transition across all pools.
func NewEventLoop(cfg Config, observer JobObserver) *EventLoop {
	if observer == nil {
		observer = ObserverFunc(func(string, Job) {})
	}
	el := &EventLoop{
		continuation: newWorkerPool(PoolContinuation, cfg.ContinuationWorkers, cfg.ContinuationQueueBound, observer),
		effector:     newWorkerPool(PoolEffector, cfg.EffectorWorkers, cfg.EffectorQueueBound, observer),
	}
	switch cfg.ComputeKind {
	case "dedicated":
		el.compute = newWorkerPool(PoolCompute, cfg.ComputeWorkers, cfg.ComputeQueueBound, observer)
	case "none":
		el.compute = nil
	default: // "shared"
		el.compute = el.continuation
	}
	return el
}

// Submit routes the job to its declared pool.
func (el *EventLoop) Submit(job Job) error {
	switch job.Pool {
	case PoolContinuation:
		return el.continuation.submit(job)
	case PoolEffector:
		return el.effector.submit(job)
	case PoolCompute:
		if el.compute == nil {
			return el.continuation.submit(job)
		}
		return el.compute.submit(job)
	default:
		return el.continuation.submit(job)
	}
}

// Shutdown closes every pool's queues and waits for in-flight jobs to
// drain, bounded by ctx.
func (el *EventLoop) Shutdown(ctx context.Context) error {
	pools := []*workerPool{el.continuation, el.effector}
	if el.compute != nil && el.compute != el.continuation {
		pools = append(pools, el.compute)
	}
	for _, p := range pools {
		if err := p.shutdown(ctx); err != nil {
			return err
		}
	}
	return nil
}
