package coordinator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/stepflow/engine/engine/decision"
	"github.com/stepflow/engine/engine/errdomain"
	"github.com/stepflow/engine/engine/reqctx"
	"github.com/stepflow/engine/infrastructure/resilience"
)

// attemptWithRetry runs effector.Do under effect's retry policy (falling
// back to defaultPolicy), applying a per-attempt timeout and a circuit
// breaker keyed by the effect's target. Total attempts never exceed
// 1+MaxAttempts (invariant 3); delay before attempt k is at most
// min(max_delay, initial_delay*multiplier^(k-1)) plus jitter. Each attempt
// emits its own effect_start/effect_end pair per the §4.7 schema, so a
// retried effect produces one trace event pair per attempt rather than
// one pair for the whole retry loop.
func (c *Coordinator) attemptWithRetry(ctx context.Context, rc *reqctx.Context, stepName string, effect decision.Effect) (Result, error) {
	policy := c.defaultRetry
	if effect.Retry != nil {
		policy = *effect.Retry
	}

	cb := c.circuitBreakerFor(targetKey(effect))

	effector, err := c.registry.Lookup(effect.Kind)
	if err != nil {
		return Result{}, err
	}

	var lastErr error
	totalAttempts := 1 + policy.MaxAttempts
	for attempt := 1; attempt <= totalAttempts; attempt++ {
		if attempt > 1 {
			delay := policy.Delay(attempt)
			delay = addJitter(delay, policy.Jitter)
			select {
			case <-ctx.Done():
				return Result{}, errdomain.Cancelled("effect", targetKey(effect))
			case <-time.After(delay):
			}
		}

		rc.Trace.Emit(string(traceEffectStart), mergeFields(effectTraceFields(rc, stepName, effect), map[string]any{
			"attempt": attempt,
		}))
		attemptStart := time.Now()

		attemptCtx := ctx
		var cancel context.CancelFunc
		timeout := effectAttemptTimeout(effect, policy)
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}

		var res Result
		cbErr := cb.Execute(attemptCtx, func() error {
			var doErr error
			res, doErr = effector.Do(attemptCtx, effect)
			return doErr
		})
		if cancel != nil {
			cancel()
		}

		rc.Trace.Emit(string(traceEffectEnd), mergeFields(effectTraceFields(rc, stepName, effect), map[string]any{
			"attempt":  attempt,
			"success":  cbErr == nil,
			"duration": time.Since(attemptStart).String(),
		}))

		if cbErr == nil {
			return res, nil
		}

		if attemptCtx.Err() != nil {
			lastErr = errdomain.Timeout("effect", targetKey(effect))
		} else if de, ok := errdomain.As(cbErr); ok {
			lastErr = de
		} else {
			lastErr = errdomain.UpstreamUnavailable("effect", targetKey(effect), cbErr)
		}

		if ctx.Err() != nil {
			return Result{}, errdomain.Cancelled("effect", targetKey(effect))
		}
	}
	return Result{}, lastErr
}

func effectAttemptTimeout(effect decision.Effect, policy decision.RetryPolicy) time.Duration {
	if policy.PerAttemptTimeout > 0 {
		return policy.PerAttemptTimeout
	}
	if effect.TimeoutMS > 0 {
		return time.Duration(effect.TimeoutMS) * time.Millisecond
	}
	return 0
}

func addJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	return d + time.Duration(rand.Float64()*jitter*float64(d))
}

// targetKey identifies the downstream target an effect hits, used to key
// both the circuit breaker and the per-target concurrency limiter.
func targetKey(effect decision.Effect) string {
	switch effect.Kind {
	case decision.EffectDBGet, decision.EffectDBPut, decision.EffectDBDel, decision.EffectDBScan:
		return "kv:" + effect.Namespace
	case decision.EffectDBQuery:
		return "sql"
	case decision.EffectHTTPGet, decision.EffectHTTPPost, decision.EffectHTTPCall:
		return "http:" + effect.URL
	case decision.EffectComputeTask:
		return "compute"
	default:
		return string(effect.Kind)
	}
}

type cbRegistry struct {
	mu    sync.Mutex
	byKey map[string]*resilience.CircuitBreaker
	cfg   resilience.Config
}

func newCBRegistry(cfg resilience.Config) *cbRegistry {
	return &cbRegistry{byKey: make(map[string]*resilience.CircuitBreaker), cfg: cfg}
}

func (r *cbRegistry) get(key string) *resilience.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.byKey[key]; ok {
		return cb
	}
	cb := resilience.New(r.cfg)
	r.byKey[key] = cb
	return cb
}

// deriveIdemKey computes a stable idempotency key for a write effect
// that did not declare one, from its kind, target, and payload.
func deriveIdemKey(effect decision.Effect) string {
	h, _ := blake2b.New256(nil)
	fmt.Fprintf(h, "%s|%s|%s|%s", effect.Kind, targetKey(effect), effect.Key, effect.SQL)
	h.Write(effect.Value)
	h.Write(effect.Body)
	return fmt.Sprintf("%x", h.Sum(nil))
}
