// Package coordinator implements the Effect Coordinator: dispatch of a
// Need's effects under Mode x Join semantics, retry/timeout/circuit
// breaking per target, backpressure, idempotency, and saga compensation.
// Compensation runs a Need's Compensation effects in reverse order when
// that same Need's dispatch or result binding fails; a failure in a
// later step does not trigger it.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"

	"github.com/stepflow/engine/engine/decision"
	"github.com/stepflow/engine/engine/errdomain"
	"github.com/stepflow/engine/engine/reqctx"
	"github.com/stepflow/engine/engine/scheduler"
	"github.com/stepflow/engine/infrastructure/resilience"
)

// Limits caps concurrency per downstream target and per request, the
// runtime's backpressure knobs (§6 limits.*).
type Limits struct {
	PerTargetConcurrency int
	PerRequestInflight    int
}

// Coordinator owns the effector registry, the scheduler used to run the
// resumed continuation, per-target circuit breakers, and the
// concurrency limiters that implement backpressure.
type Coordinator struct {
	registry     *Registry
	sched        scheduler.Scheduler
	defaultRetry decision.RetryPolicy
	limits       Limits
	cbCfg        resilience.Config

	mu       sync.Mutex
	breakers *cbRegistry
	limiters map[string]chan struct{} // per-target semaphore
	load     *hostLoadSampler
}

// New builds a Coordinator. sched is used only to schedule the
// continuation job after a Need's join condition is satisfied; effect
// execution itself runs on the calling goroutine (or, for Parallel
// mode, on goroutines spawned by Dispatch and joined before it
// returns) — see the concurrency model note in §4.5.
func New(registry *Registry, sched scheduler.Scheduler, defaultRetry decision.RetryPolicy, limits Limits, cbCfg resilience.Config) *Coordinator {
	if limits.PerTargetConcurrency <= 0 {
		limits.PerTargetConcurrency = 8
	}
	if limits.PerRequestInflight <= 0 {
		limits.PerRequestInflight = 32
	}
	return &Coordinator{
		registry:     registry,
		sched:        sched,
		defaultRetry: defaultRetry,
		limits:       limits,
		cbCfg:        cbCfg,
		breakers:     newCBRegistry(cbCfg),
		limiters:     make(map[string]chan struct{}),
		load:         newHostLoadSampler(5 * time.Second),
	}
}

// Close releases the coordinator's background resources (the host-load
// sampler). Safe to call once during shutdown.
func (c *Coordinator) Close() {
	c.load.Close()
}

func (c *Coordinator) circuitBreakerFor(key string) *resilience.CircuitBreaker {
	return c.breakers.get(key)
}

func (c *Coordinator) limiterFor(key string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[key]
	if !ok {
		l = make(chan struct{}, c.limits.PerTargetConcurrency)
		c.limiters[key] = l
	}
	return l
}

// effectOutcome pairs one effect's result (or error) with its Token slot,
// so the collection loop can apply Join semantics before writing to the
// store.
type effectOutcome struct {
	effect decision.Effect
	result Result
	err    error
}

// Dispatch runs need's effects per Mode/Join, binds successful results
// into ctx's slot store, and schedules the continuation job onto the
// continuation pool once the join condition is met. stepName is the
// issuing step, recorded on every effect trace event so exporters can
// nest effect spans under the step that requested them. It returns an
// error only when the join condition itself cannot be satisfied (e.g. a
// required effect failed, or the request was cancelled); callers treat
// that as a pipeline Fail.
func (c *Coordinator) Dispatch(ctx *reqctx.Context, stepName string, need decision.Need, runContinuation func(ctx context.Context)) error {
	if len(need.Effects) == 0 {
		return errdomain.InvalidInput("need", "effects")
	}

	goCtx := ctx.GoContext()

	inflight := make(chan struct{}, c.limits.PerRequestInflight)
	for range need.Effects {
		select {
		case inflight <- struct{}{}:
		default:
			return errdomain.TooManyRequests("request", ctx.RequestID)
		}
	}
	for range need.Effects {
		<-inflight
	}

	ctx.Trace.Emit(string(traceNeedScheduled), map[string]any{
		"step":  need.Resume,
		"mode":  modeName(need.Mode),
		"join":  joinName(need.Join),
		"count": len(need.Effects),
	})

	outcomes, err := c.runEffects(goCtx, ctx, stepName, need)
	if err != nil {
		c.runCompensation(goCtx, ctx, stepName, need)
		return err
	}

	if err := c.bindOutcomes(ctx, outcomes); err != nil {
		c.runCompensation(goCtx, ctx, stepName, need)
		return err
	}

	if c.sched == nil || runContinuation == nil {
		return nil
	}
	return c.sched.Submit(scheduler.Job{
		Pool: scheduler.PoolContinuation,
		Ctx:  goCtx,
		Run:  runContinuation,
	})
}

// runEffects executes need.Effects per Mode, enforcing the per-target
// concurrency cap, and applies Join semantics to decide whether the
// batch as a whole succeeded.
func (c *Coordinator) runEffects(goCtx context.Context, rc *reqctx.Context, stepName string, need decision.Need) ([]effectOutcome, error) {
	if need.Mode == decision.Sequential {
		return c.runSequential(goCtx, rc, stepName, need)
	}
	return c.runParallel(goCtx, rc, stepName, need)
}

func (c *Coordinator) runSequential(goCtx context.Context, rc *reqctx.Context, stepName string, need decision.Need) ([]effectOutcome, error) {
	outcomes := make([]effectOutcome, 0, len(need.Effects))
	for _, eff := range need.Effects {
		oc := c.runOne(goCtx, rc, stepName, eff)
		outcomes = append(outcomes, oc)
		if shouldShortCircuit(need.Join, oc, outcomes) {
			break
		}
	}
	return outcomes, evaluateJoin(need.Join, outcomes)
}

func (c *Coordinator) runParallel(goCtx context.Context, rc *reqctx.Context, stepName string, need decision.Need) ([]effectOutcome, error) {
	outcomes := make([]effectOutcome, len(need.Effects))
	var wg sync.WaitGroup
	cctx, cancel := context.WithCancel(goCtx)
	defer cancel()

	for i, eff := range need.Effects {
		wg.Add(1)
		go func(i int, eff decision.Effect) {
			defer wg.Done()
			sem := c.limiterFor(targetKey(eff))
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-cctx.Done():
				outcomes[i] = effectOutcome{effect: eff, err: errdomain.Cancelled("effect", targetKey(eff))}
				return
			}
			outcomes[i] = c.runOne(cctx, rc, stepName, eff)
			switch need.Join {
			case decision.JoinAny:
				// §4.5: any resumes on the very first completion,
				// success or failure — cancel the rest unconditionally.
				cancel()
			case decision.JoinFirstSuccess:
				if outcomes[i].err == nil {
					cancel()
				}
			}
		}(i, eff)
	}
	wg.Wait()
	return outcomes, evaluateJoin(need.Join, outcomes)
}

func (c *Coordinator) runOne(goCtx context.Context, rc *reqctx.Context, stepName string, eff decision.Effect) effectOutcome {
	if eff.IdemKey == "" && isWriteEffect(eff.Kind) {
		eff.IdemKey = deriveIdemKey(eff)
	}

	if !eff.Required && c.load.Overloaded() {
		rc.Trace.Emit(string(traceEffectEnd), mergeFields(effectTraceFields(rc, stepName, eff), map[string]any{
			"shed": true,
		}))
		return effectOutcome{effect: eff, err: errdomain.UpstreamUnavailable(targetKey(eff), "host under backpressure, optional effect shed", nil)}
	}

	res, err := c.attemptWithRetry(goCtx, rc, stepName, eff)
	return effectOutcome{effect: eff, result: res, err: err}
}

// effectTraceFields builds the §4.7 schema fields shared by every
// effect_start/effect_end event for eff, issued by stepName.
func effectTraceFields(rc *reqctx.Context, stepName string, eff decision.Effect) map[string]any {
	return map[string]any{
		"step_name":  stepName,
		"kind":       string(eff.Kind),
		"target":     targetKey(eff),
		"token":      rc.Store.Schema().Name(eff.Token),
		"required":   eff.Required,
		"timeout_ms": eff.TimeoutMS,
	}
}

func mergeFields(base map[string]any, extra map[string]any) map[string]any {
	for k, v := range extra {
		base[k] = v
	}
	return base
}

func isWriteEffect(kind decision.EffectKind) bool {
	switch kind {
	case decision.EffectDBPut, decision.EffectDBDel, decision.EffectHTTPPost, decision.EffectHTTPCall:
		return true
	default:
		return false
	}
}

// shouldShortCircuit allows the sequential runner to stop early once the
// join condition is already decided, matching §4.5's resume-as-soon-as-
// satisfied rule.
func shouldShortCircuit(join decision.Join, latest effectOutcome, soFar []effectOutcome) bool {
	switch join {
	case decision.JoinAny:
		// Resume on the first completion, success or failure.
		return true
	case decision.JoinFirstSuccess:
		return latest.err == nil
	case decision.JoinAllRequired:
		return latest.err != nil && latest.effect.Required
	default: // JoinAll
		return false
	}
}

// evaluateJoin decides, from the collected outcomes, whether the batch
// satisfies need's Join policy.
func evaluateJoin(join decision.Join, outcomes []effectOutcome) error {
	switch join {
	case decision.JoinAll:
		var merr *multierror.Error
		for _, oc := range outcomes {
			if oc.err != nil && oc.effect.Required {
				merr = multierror.Append(merr, oc.err)
			}
		}
		return merr.ErrorOrNil()

	case decision.JoinAllRequired:
		var merr *multierror.Error
		for _, oc := range outcomes {
			if oc.err != nil && oc.effect.Required {
				merr = multierror.Append(merr, oc.err)
			}
		}
		return merr.ErrorOrNil()

	case decision.JoinAny, decision.JoinFirstSuccess:
		for _, oc := range outcomes {
			if oc.err == nil {
				return nil
			}
		}
		// None succeeded. Per §4.5/§8.6, the batch only fails the pipeline
		// if a required effect is among the failures; an all-optional
		// failure set continues with its destination slots unset.
		var merr *multierror.Error
		requiredFailed := false
		for _, oc := range outcomes {
			if oc.err != nil {
				if oc.effect.Required {
					requiredFailed = true
				}
				merr = multierror.Append(merr, oc.err)
			}
		}
		if !requiredFailed {
			return nil
		}
		if merr == nil {
			return errdomain.Internal("coordinator", "join_any", nil)
		}
		return merr.ErrorOrNil()

	default:
		return errdomain.Internal("coordinator", "join", nil)
	}
}

// bindOutcomes writes every successful effect's Token slot, in
// declaration order, after the join condition has already been
// evaluated — the single-threaded collection point promised by the
// concurrency model even when effects ran on separate goroutines.
func (c *Coordinator) bindOutcomes(rc *reqctx.Context, outcomes []effectOutcome) error {
	for _, oc := range outcomes {
		if oc.err != nil {
			continue
		}
		var value any
		if oc.result.Value != nil {
			value = oc.result.Value
		} else {
			value = oc.result.Bytes
		}
		if err := rc.Store.Put(oc.effect.Token, value); err != nil {
			return err
		}
		rc.Trace.Emit(string(traceSlotWrite), map[string]any{
			"slot": rc.Store.Schema().Name(oc.effect.Token),
		})
	}
	return nil
}

// runCompensation runs need.Compensation in reverse order after a
// dispatch failure, best-effort: a failing compensation effect is
// logged via trace and aggregated, never resurrects the original
// request's outcome.
func (c *Coordinator) runCompensation(goCtx context.Context, rc *reqctx.Context, stepName string, need decision.Need) {
	if len(need.Compensation) == 0 {
		return
	}
	var merr *multierror.Error
	for i := len(need.Compensation) - 1; i >= 0; i-- {
		eff := need.Compensation[i]
		oc := c.runOne(goCtx, rc, stepName, eff)
		if oc.err != nil {
			merr = multierror.Append(merr, oc.err)
		}
	}
	if merr != nil {
		rc.Trace.Emit(string(traceEffectEnd), map[string]any{
			"compensation_errors": merr.Error(),
		})
	}
}

func modeName(m decision.Mode) string {
	if m == decision.Parallel {
		return "parallel"
	}
	return "sequential"
}

func joinName(j decision.Join) string {
	switch j {
	case decision.JoinAllRequired:
		return "all_required"
	case decision.JoinAny:
		return "any"
	case decision.JoinFirstSuccess:
		return "first_success"
	default:
		return "all"
	}
}

// rateLimiterFor backs a future token-bucket pacing mode (distinct from
// the hard concurrency cap above) for targets that need smoothed rather
// than bursty admission; unused targets incur no allocation.
func rateLimiterFor(ratePerSec float64, burst int) *rate.Limiter {
	if ratePerSec <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Limit(ratePerSec), burst)
}

const (
	traceNeedScheduled = "need_scheduled"
	traceEffectStart   = "effect_start"
	traceEffectEnd     = "effect_end"
	traceSlotWrite     = "slot_write"
)
