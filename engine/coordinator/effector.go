package coordinator

import (
	"context"

	"github.com/stepflow/engine/engine/decision"
	"github.com/stepflow/engine/engine/errdomain"
)

// Result is what a successful effector call produces: either raw bytes
// (KV, HTTP) or an already-structured value (compute_task, SQL rows).
type Result struct {
	Bytes []byte
	Value any
}

// Effector is the collaborator interface for one effect kind: given the
// effect payload and a context carrying cancellation/deadline, perform
// the effect and return a Result or a domain error. Idempotency keys, IF
// set on the effect, must be honored by the effector for deduplication.
type Effector interface {
	Do(ctx context.Context, effect decision.Effect) (Result, error)
}

// EffectorFunc adapts a function to the Effector interface.
type EffectorFunc func(ctx context.Context, effect decision.Effect) (Result, error)

func (f EffectorFunc) Do(ctx context.Context, effect decision.Effect) (Result, error) {
	return f(ctx, effect)
}

// Registry maps each closed-set effect kind to its effector, the
// runtime's realization of the "well-defined dispatch interface" in §1.
type Registry struct {
	byKind map[decision.EffectKind]Effector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byKind: make(map[decision.EffectKind]Effector)}
}

// Register wires an effector to one of the closed-set kinds.
func (r *Registry) Register(kind decision.EffectKind, e Effector) *Registry {
	r.byKind[kind] = e
	return r
}

// Lookup returns the effector bound to kind, failing with Internal if no
// effector was registered — this is a configuration error, never a
// request-shaped one.
func (r *Registry) Lookup(kind decision.EffectKind) (Effector, error) {
	e, ok := r.byKind[kind]
	if !ok {
		return nil, errdomain.Internal("effector", string(kind), errUnregisteredKind(kind))
	}
	return e, nil
}

type unregisteredKindError struct{ kind decision.EffectKind }

func (e *unregisteredKindError) Error() string {
	return "no effector registered for kind " + string(e.kind)
}

func errUnregisteredKind(kind decision.EffectKind) error {
	return &unregisteredKindError{kind: kind}
}
