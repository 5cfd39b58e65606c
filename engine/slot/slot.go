// Package slot implements the Slot Store: typed per-request key/value
// cells with arena-bound lifetime and single-write enforcement (I1-I4).
package slot

import (
	"fmt"
	"reflect"

	"github.com/stepflow/engine/engine/errdomain"
)

// ID identifies a slot. Slots are small integers assigned by Register, in
// the order schemas are declared, matching the "small integer slot
// identifier" contract.
type ID int

// Schema maps every slot this pipeline uses to its name and declared Go
// type, and records which slots opt into multi-write (§9.3).
type Schema struct {
	names        []string
	types        []reflect.Type
	multiWrite   []bool
	indexByName  map[string]ID
}

// NewSchema returns an empty schema ready for Register calls.
func NewSchema() *Schema {
	return &Schema{indexByName: make(map[string]ID)}
}

// Register declares a slot with its name and the zero value of its type.
// The returned ID is stable for the lifetime of the schema.
func (s *Schema) Register(name string, zero any) ID {
	return s.register(name, zero, false)
}

// RegisterMultiWrite declares a slot that may be written more than once
// per request (the explicit per-slot opt-in from §9.3).
func (s *Schema) RegisterMultiWrite(name string, zero any) ID {
	return s.register(name, zero, true)
}

func (s *Schema) register(name string, zero any, multiWrite bool) ID {
	if existing, ok := s.indexByName[name]; ok {
		return existing
	}
	id := ID(len(s.names))
	s.names = append(s.names, name)
	s.types = append(s.types, reflect.TypeOf(zero))
	s.multiWrite = append(s.multiWrite, multiWrite)
	s.indexByName[name] = id
	return id
}

// Lookup resolves a slot name to its ID.
func (s *Schema) Lookup(name string) (ID, bool) {
	id, ok := s.indexByName[name]
	return id, ok
}

// Name returns the declared name of a slot.
func (s *Schema) Name(id ID) string {
	if int(id) < 0 || int(id) >= len(s.names) {
		return fmt.Sprintf("slot#%d", id)
	}
	return s.names[id]
}

func (s *Schema) allowsMultiWrite(id ID) bool {
	if int(id) < 0 || int(id) >= len(s.multiWrite) {
		return false
	}
	return s.multiWrite[id]
}

func (s *Schema) typeOf(id ID) reflect.Type {
	if int(id) < 0 || int(id) >= len(s.types) {
		return nil
	}
	return s.types[id]
}

// Len reports how many slots the schema declares.
func (s *Schema) Len() int { return len(s.names) }

type cell struct {
	set   bool
	value any
}

// Store is a per-request mapping from slot ID to an erased typed value.
// It is never shared across requests and is not safe for concurrent
// writes from more than one step; the coordinator serializes effect
// result writes before resuming the continuation (see the concurrency
// model).
type Store struct {
	schema *Schema
	cells  []cell
	order  []ID // insertion order for for_each / replay snapshots
	onWrite func(id ID)
}

// NewStore creates an empty store bound to schema.
func NewStore(schema *Schema) *Store {
	return &Store{
		schema: schema,
		cells:  make([]cell, schema.Len()),
	}
}

// OnWrite registers a callback invoked after every successful Put.
func (st *Store) OnWrite(fn func(id ID)) {
	st.onWrite = fn
}

// Put writes a value to a slot. It fails with DuplicateWrite if the slot
// already holds a value and multi-write was not declared for it (I1). It
// fails with an internal error if the value's type disagrees with the
// schema (I2).
func (st *Store) Put(id ID, value any) error {
	if int(id) < 0 || int(id) >= len(st.cells) {
		return errdomain.Internal("slot", st.schema.Name(id), fmt.Errorf("slot id %d out of range", id))
	}
	if want := st.schema.typeOf(id); want != nil && value != nil {
		if got := reflect.TypeOf(value); got != want {
			return errdomain.Internal("slot", st.schema.Name(id),
				fmt.Errorf("value type %s does not match schema type %s", got, want))
		}
	}
	c := &st.cells[id]
	if c.set && !st.schema.allowsMultiWrite(id) {
		return errdomain.DuplicateWrite(st.schema.Name(id))
	}
	if !c.set {
		st.order = append(st.order, id)
	}
	c.set = true
	c.value = value
	if st.onWrite != nil {
		st.onWrite(id)
	}
	return nil
}

// GetRequired returns the typed value at id, or SlotMissing if it was
// never written (I3).
func (st *Store) GetRequired(id ID) (any, error) {
	if int(id) < 0 || int(id) >= len(st.cells) {
		return nil, errdomain.SlotMissing(st.schema.Name(id))
	}
	c := &st.cells[id]
	if !c.set {
		return nil, errdomain.SlotMissing(st.schema.Name(id))
	}
	return c.value, nil
}

// GetOptional returns the value at id and whether it was ever written.
func (st *Store) GetOptional(id ID) (any, bool) {
	if int(id) < 0 || int(id) >= len(st.cells) {
		return nil, false
	}
	c := &st.cells[id]
	return c.value, c.set
}

// IsSet reports whether a slot has been written.
func (st *Store) IsSet(id ID) bool {
	_, ok := st.GetOptional(id)
	return ok
}

// ForEach visits every written slot in insertion order, for debug dumps
// and replay snapshots.
func (st *Store) ForEach(visit func(id ID, value any)) {
	for _, id := range st.order {
		visit(id, st.cells[id].value)
	}
}

// Schema returns the schema this store was built from.
func (st *Store) Schema() *Schema { return st.schema }
