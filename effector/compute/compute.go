// Package compute implements the compute_task effect: a sandboxed,
// synchronous computation over already-fetched slot values, in one of
// two modes — "js" (a goja-evaluated expression) or "jsonpath" (a
// PaesslerAG/jsonpath extraction against a JSON document).
package compute

import (
	"context"
	"encoding/json"

	"github.com/PaesslerAG/jsonpath"
	"github.com/dop251/goja"

	"github.com/stepflow/engine/engine/coordinator"
	"github.com/stepflow/engine/engine/decision"
	"github.com/stepflow/engine/engine/errdomain"
)

// Effector runs compute_task effects. Each call gets a fresh goja
// runtime; compute steps are expected to be short, pure expressions,
// never long-running scripts (the scheduler's compute pool, not this
// effector, is what bounds wall-clock cost).
type Effector struct{}

// New creates a compute effector.
func New() *Effector { return &Effector{} }

func (e *Effector) Do(ctx context.Context, eff decision.Effect) (coordinator.Result, error) {
	if eff.Kind != decision.EffectComputeTask {
		return coordinator.Result{}, errdomain.Internal("compute", string(eff.Kind), errUnsupportedKind(eff.Kind))
	}

	switch eff.ComputeMode {
	case "jsonpath":
		return e.runJSONPath(eff)
	default: // "js"
		return e.runJS(ctx, eff)
	}
}

func (e *Effector) runJS(ctx context.Context, eff decision.Effect) (coordinator.Result, error) {
	vm := goja.New()
	for k, v := range eff.ComputeArgs {
		if err := vm.Set(k, v); err != nil {
			return coordinator.Result{}, errdomain.Internal("compute", eff.ComputeExpr, err)
		}
	}

	done := make(chan struct{})
	var val goja.Value
	var runErr error
	go func() {
		defer close(done)
		val, runErr = vm.RunString(eff.ComputeExpr)
	}()

	select {
	case <-ctx.Done():
		vm.Interrupt("cancelled")
		<-done
		return coordinator.Result{}, errdomain.Cancelled("compute", eff.ComputeExpr)
	case <-done:
	}
	if runErr != nil {
		return coordinator.Result{}, errdomain.InvalidInput("compute", eff.ComputeExpr)
	}
	return coordinator.Result{Value: val.Export()}, nil
}

func (e *Effector) runJSONPath(eff decision.Effect) (coordinator.Result, error) {
	doc, ok := eff.ComputeArgs["document"]
	if !ok {
		return coordinator.Result{}, errdomain.InvalidInput("compute", "document")
	}
	var parsed any
	switch v := doc.(type) {
	case []byte:
		if err := json.Unmarshal(v, &parsed); err != nil {
			return coordinator.Result{}, errdomain.InvalidInput("compute", "document")
		}
	case string:
		if err := json.Unmarshal([]byte(v), &parsed); err != nil {
			return coordinator.Result{}, errdomain.InvalidInput("compute", "document")
		}
	default:
		parsed = doc
	}

	result, err := jsonpath.Get(eff.ComputeExpr, parsed)
	if err != nil {
		return coordinator.Result{}, errdomain.InvalidInput("compute", eff.ComputeExpr)
	}
	return coordinator.Result{Value: result}, nil
}

type unsupportedKindError struct{ kind decision.EffectKind }

func (e *unsupportedKindError) Error() string {
	return "compute effector: unsupported kind " + string(e.kind)
}

func errUnsupportedKind(kind decision.EffectKind) error {
	return &unsupportedKindError{kind: kind}
}
