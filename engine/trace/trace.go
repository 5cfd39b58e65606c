// Package trace implements the Trace Recorder: an ordered event stream
// per request, a pluggable exporter contract, and threshold-based span
// promotion for job lifecycle events.
package trace

import (
	"sync"
	"time"
)

// EventKind is one of the event kinds from the §4.7 schema; the three
// job lifecycle kinds are separate constants, twelve in all.
type EventKind string

const (
	EventRequestStart      EventKind = "request_start"
	EventRequestEnd        EventKind = "request_end"
	EventStepStart         EventKind = "step_start"
	EventStepEnd           EventKind = "step_end"
	EventNeedScheduled     EventKind = "need_scheduled"
	EventEffectStart       EventKind = "effect_start"
	EventEffectEnd         EventKind = "effect_end"
	EventSlotWrite         EventKind = "slot_write"
	EventJobEnqueued       EventKind = "job_enqueued"
	EventJobStarted        EventKind = "job_started"
	EventJobCompleted      EventKind = "job_completed"
	EventContinuationResume EventKind = "continuation_resume"
)

// Event is one timestamped record. Fields is kind-specific, matching the
// field names from the §4.7 schema (request_id, step_name, sequence,
// etc.) so exporters can render any kind generically.
type Event struct {
	Kind   EventKind
	TS     time.Time
	Fields map[string]any
}

// Exporter receives the raw event stream. Recorder.Emit fans out to every
// registered exporter synchronously, in registration order.
type Exporter interface {
	Export(Event)
}

// ExporterFunc adapts a function to the Exporter interface.
type ExporterFunc func(Event)

func (f ExporterFunc) Export(e Event) { f(e) }

// Recorder accumulates a request's event stream and fans it out to
// exporters. One Recorder per request; its Emit method implements
// reqctx.TraceHandle.
type Recorder struct {
	mu        sync.Mutex
	requestID string
	events    []Event
	exporters []Exporter
}

// NewRecorder creates a recorder for one request, wired to the given
// exporters (stdout/zap span-tree, websocket tail, etc).
func NewRecorder(requestID string, exporters ...Exporter) *Recorder {
	return &Recorder{requestID: requestID, exporters: exporters}
}

// Emit implements reqctx.TraceHandle: records an event and fans it out.
func (r *Recorder) Emit(kind string, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}
	fields["request_id"] = r.requestID
	ev := Event{Kind: EventKind(kind), TS: time.Now(), Fields: fields}

	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()

	for _, exp := range r.exporters {
		exp.Export(ev)
	}
}

// Events returns a snapshot of the recorded event stream, in emission
// order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
