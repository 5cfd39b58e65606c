// Package scheduler implements the Scheduler/Reactor contract: three
// logical job pools (continuation, effector, compute), cooperative
// run-to-completion jobs, and two reference implementations (blocking;
// event-loop with worker pools and work-stealing).
package scheduler

import (
	"context"
	"time"

	"github.com/stepflow/engine/engine/errdomain"
)

// PoolKind names one of the three logical pools.
type PoolKind string

const (
	PoolContinuation PoolKind = "continuation"
	PoolEffector     PoolKind = "effector"
	PoolCompute      PoolKind = "compute"
)

// Job is the unit of work a pool runs to completion. The scheduler
// records the three timestamps for trace/span-promotion purposes.
type Job struct {
	Pool    PoolKind
	Run     func(ctx context.Context)
	Ctx     context.Context

	EnqueueTime time.Time
	RunStart    time.Time
	RunEnd      time.Time
	WorkerID    int
	Success     bool
}

// QueueWait reports the time a job spent queued before a worker started
// it.
func (j Job) QueueWait() time.Duration { return j.RunStart.Sub(j.EnqueueTime) }

// RunActive reports the time a job spent actually running.
func (j Job) RunActive() time.Duration { return j.RunEnd.Sub(j.RunStart) }

// JobObserver is notified as jobs move through enqueue/start/complete,
// feeding the trace recorder's job_enqueued/started/completed events.
type JobObserver interface {
	Observe(event string, job Job)
}

// ObserverFunc adapts a function to JobObserver.
type ObserverFunc func(event string, job Job)

func (f ObserverFunc) Observe(event string, job Job) { f(event, job) }

// Scheduler is the contract both reference implementations satisfy:
// submit jobs to a named pool, observe their lifecycle, and shut down
// deterministically, draining in-flight work.
type Scheduler interface {
	// Submit enqueues a job on the named pool. It returns a
	// TooManyRequests error if the pool's queue is full and backpressure
	// policy sheds rather than blocks.
	Submit(job Job) error
	// Shutdown stops accepting new jobs and waits (bounded by ctx) for
	// in-flight jobs to finish.
	Shutdown(ctx context.Context) error
}

// Config sizes each pool and its queue bound, matching the external
// configuration surface (§6).
type Config struct {
	ContinuationWorkers int
	EffectorWorkers     int
	ComputeKind         string // shared|dedicated|none
	ComputeWorkers      int

	ContinuationQueueBound int
	EffectorQueueBound     int
	ComputeQueueBound      int
}

func (c Config) queueBound(pool PoolKind) int {
	switch pool {
	case PoolContinuation:
		return c.ContinuationQueueBound
	case PoolEffector:
		return c.EffectorQueueBound
	default:
		return c.ComputeQueueBound
	}
}

func queueFullError(pool PoolKind) error {
	return errdomain.TooManyRequests("scheduler", string(pool))
}
