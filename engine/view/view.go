// Package view implements the View Discipline: a capability wrapper over
// the request context that only permits access to the slots a step
// declared. Access is enforced at run time, on every Require, Optional
// and Put call.
package view

import (
	"github.com/stepflow/engine/engine/errdomain"
	"github.com/stepflow/engine/engine/reqctx"
	"github.com/stepflow/engine/engine/slot"
)

// Declaration is a step's static reads/writes declaration. Validate
// checks it against the slot schema; no check is made across
// need->continuation edges.
type Declaration struct {
	Reads  []slot.ID
	Writes []slot.ID
}

func (d Declaration) hasRead(id slot.ID) bool {
	for _, r := range d.Reads {
		if r == id {
			return true
		}
	}
	return false
}

func (d Declaration) hasWrite(id slot.ID) bool {
	for _, w := range d.Writes {
		if w == id {
			return true
		}
	}
	return false
}

// View is the per-step capability: require/optional check membership in
// Reads, put checks membership in Writes, before ever touching the
// underlying store.
type View struct {
	ctx   *reqctx.Context
	decl  Declaration
}

// New builds a view over ctx restricted to decl's declared reads/writes.
func New(ctx *reqctx.Context, decl Declaration) *View {
	return &View{ctx: ctx, decl: decl}
}

// Require returns the typed value of a required read, failing with
// SlotMissing if it was never written, or an access-violation error if
// the slot was not declared as a read.
func (v *View) Require(id slot.ID) (any, error) {
	if !v.decl.hasRead(id) {
		return nil, accessViolation(v.ctx.Store.Schema().Name(id), "require", "reads")
	}
	return v.ctx.Store.GetRequired(id)
}

// Optional returns the value at id (and whether it was written), valid
// when the slot was declared as either a read or a write.
func (v *View) Optional(id slot.ID) (any, bool, error) {
	if !v.decl.hasRead(id) && !v.decl.hasWrite(id) {
		return nil, false, accessViolation(v.ctx.Store.Schema().Name(id), "optional", "reads or writes")
	}
	val, ok := v.ctx.Store.GetOptional(id)
	return val, ok, nil
}

// Put writes a value, valid only when the slot was declared as a write.
func (v *View) Put(id slot.ID, value any) error {
	if !v.decl.hasWrite(id) {
		return accessViolation(v.ctx.Store.Schema().Name(id), "put", "writes")
	}
	return v.ctx.Store.Put(id, value)
}

// Context exposes the underlying request context for attribute access
// (method/path/headers/params) that isn't slot-gated.
func (v *View) Context() *reqctx.Context { return v.ctx }

func accessViolation(slotName, op, required string) error {
	return errdomain.Internal("view", slotName,
		&accessError{op: op, required: required})
}

type accessError struct {
	op       string
	required string
}

func (e *accessError) Error() string {
	return e.op + " requires the slot to be declared in " + e.required
}

// Validate checks a step's declaration against the schema: every
// declared slot id must exist in schema, and Reads and
// Writes are otherwise unconstrained in their overlap (a slot may be
// both read and written by the same step).
func Validate(schema *slot.Schema, decl Declaration) error {
	for _, id := range append(append([]slot.ID{}, decl.Reads...), decl.Writes...) {
		if int(id) < 0 || int(id) >= schema.Len() {
			return errdomain.Internal("view", schema.Name(id), &accessError{op: "build", required: "a slot registered in the schema"})
		}
	}
	return nil
}
