// Package reqctx implements the Request Context: the arena, immutable
// request attributes, slot store, last-error, exit callbacks, and trace
// handle that together are exclusively owned by the interpreter for one
// request's duration.
package reqctx

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stepflow/engine/engine/errdomain"
	"github.com/stepflow/engine/engine/slot"
	"github.com/stepflow/engine/system/framework/lifecycle"
)

// Attributes are the immutable parsed-request facts the HTTP collaborator
// hands to the core. Headers use case-insensitive lookup.
type Attributes struct {
	Method      string
	Path        string
	Headers     Header
	PathParams  map[string]string
	Query       map[string][]string
	Body        []byte
	ClientAddr  string
	Deadline    time.Time // zero means "use request.total_deadline_ms default"
}

// Header is a case-insensitive (name -> values) map, mirroring the
// "ordered sequence of (name, value) with case-insensitive name matching"
// contract.
type Header map[string][]string

// Get returns the first value for name, case-insensitively.
func (h Header) Get(name string) string {
	vals := h[strings.ToLower(name)]
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// Values returns every value for name, case-insensitively.
func (h Header) Values(name string) []string {
	return h[strings.ToLower(name)]
}

// Set stores a value under the lower-cased header name.
func (h Header) Set(name, value string) {
	h[strings.ToLower(name)] = append(h[strings.ToLower(name)], value)
}

// NewHeader builds a Header from name/value pairs.
func NewHeader(pairs [][2]string) Header {
	h := make(Header, len(pairs))
	for _, p := range pairs {
		h.Set(p[0], p[1])
	}
	return h
}

// TraceHandle is the minimal surface the request context needs from the
// trace recorder; engine/trace.Recorder implements it.
type TraceHandle interface {
	Emit(kind string, fields map[string]any)
}

type noopTrace struct{}

func (noopTrace) Emit(string, map[string]any) {}

// Context is the Request Context: created at pipeline entry, destroyed
// after the response is serialized and all exit callbacks invoked.
// Exclusively owned by the interpreter for the request's duration;
// references handed to steps must not outlive the step call unless
// copied into a slot (which the arena keeps alive).
type Context struct {
	RequestID string
	Attrs     Attributes
	Arena     *Arena
	Store     *slot.Store
	Trace     TraceHandle

	LastError *errdomain.Error

	exitCallbacks *lifecycle.Hooks

	goCtx  context.Context
	cancel context.CancelFunc
}

// New creates a request context bound to schema, with a cancellable Go
// context derived from parent and the per-request deadline (falling back
// to defaultDeadline when Attrs.Deadline is zero).
func New(parent context.Context, attrs Attributes, schema *slot.Schema, arena *Arena, defaultDeadline time.Duration) *Context {
	deadline := attrs.Deadline
	var goCtx context.Context
	var cancel context.CancelFunc
	if !deadline.IsZero() {
		goCtx, cancel = context.WithDeadline(parent, deadline)
	} else if defaultDeadline > 0 {
		goCtx, cancel = context.WithTimeout(parent, defaultDeadline)
	} else {
		goCtx, cancel = context.WithCancel(parent)
	}

	store := slot.NewStore(schema)

	return &Context{
		RequestID:     uuid.NewString(),
		Attrs:         attrs,
		Arena:         arena,
		Store:         store,
		Trace:         noopTrace{},
		exitCallbacks: lifecycle.NewHooks(),
		goCtx:         goCtx,
		cancel:        cancel,
	}
}

// Done returns the cancellation channel for this request (client
// disconnect or deadline expiry).
func (c *Context) Done() <-chan struct{} { return c.goCtx.Done() }

// Err returns the reason the request context was cancelled, or nil.
func (c *Context) Err() error { return c.goCtx.Err() }

// GoContext returns the underlying context.Context, for effector calls
// that need to honor cancellation/deadline.
func (c *Context) GoContext() context.Context { return c.goCtx }

// Cancel cancels the request's context (client disconnect, explicit
// abort).
func (c *Context) Cancel() { c.cancel() }

// OnExit registers an exit callback; these run in LIFO order once the
// pipeline terminates, mirroring lifecycle.Hooks' PostStop ordering.
func (c *Context) OnExit(name string, fn func(context.Context) error) {
	c.exitCallbacks.OnPostStopNamed(name, fn)
}

// RunExitCallbacks invokes every registered exit callback in LIFO order.
// Called once, after the response has been produced (Done or Fail) but
// before arena teardown.
func (c *Context) RunExitCallbacks(ctx context.Context) error {
	return c.exitCallbacks.RunPostStop(ctx)
}

// Release tears down the request context. The arena and its blocks
// become eligible for garbage collection once this returns.
func (c *Context) Release() {
	c.cancel()
}
