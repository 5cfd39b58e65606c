package trace

import "sort"

// Span is a node in the hierarchical span tree the reference exporter
// builds from a request's event stream: root = request span, children =
// step spans, effect spans nest under the step that issued them, and job
// spans are promoted in per §4.9.
type Span struct {
	Name     string
	Kind     EventKind
	Start    int64 // unix nanos
	End      int64
	Fields   map[string]any
	Children []*Span
}

// PromotionThresholds configures §4.9's rule: a completed job becomes its
// own child span when queue_wait_ns or run_active_ns crosses the
// configured threshold. A job below both thresholds is not added to the
// span tree; its job_completed event stays only in the Recorder's event
// stream.
type PromotionThresholds struct {
	QueueWaitNS int64
	RunActiveNS int64
}

// ShouldPromote implements the §4.9 rule.
func (t PromotionThresholds) ShouldPromote(queueWaitNS, runActiveNS int64) bool {
	return queueWaitNS >= t.QueueWaitNS || runActiveNS >= t.RunActiveNS
}

// SpanTreeExporter builds a hierarchical span tree per request and hands
// the finished tree to Sink once request_end is observed.
type SpanTreeExporter struct {
	thresholds PromotionThresholds
	Sink       func(root *Span)

	root        *Span
	stepStack   []*Span
	stepByName  map[string]*Span
}

// NewSpanTreeExporter creates an exporter applying the given promotion
// thresholds and delivering finished trees to sink.
func NewSpanTreeExporter(thresholds PromotionThresholds, sink func(root *Span)) *SpanTreeExporter {
	return &SpanTreeExporter{thresholds: thresholds, Sink: sink, stepByName: make(map[string]*Span)}
}

// Export implements Exporter. It is not safe for concurrent use across
// requests; callers create one SpanTreeExporter per request's Recorder.
func (e *SpanTreeExporter) Export(ev Event) {
	ns := ev.TS.UnixNano()
	switch ev.Kind {
	case EventRequestStart:
		e.root = &Span{Name: "request", Kind: ev.Kind, Start: ns, Fields: ev.Fields}
	case EventStepStart:
		name, _ := ev.Fields["step_name"].(string)
		span := &Span{Name: name, Kind: ev.Kind, Start: ns, Fields: ev.Fields}
		if e.root != nil {
			e.root.Children = append(e.root.Children, span)
		}
		e.stepByName[name] = span
	case EventStepEnd:
		name, _ := ev.Fields["step_name"].(string)
		if span, ok := e.stepByName[name]; ok {
			span.End = ns
		}
	case EventEffectStart:
		name, _ := ev.Fields["step_name"].(string)
		token, _ := ev.Fields["token"].(string)
		span := &Span{Name: "effect:" + token, Kind: ev.Kind, Start: ns, Fields: ev.Fields}
		if parent, ok := e.stepByName[name]; ok {
			parent.Children = append(parent.Children, span)
		} else if e.root != nil {
			e.root.Children = append(e.root.Children, span)
		}
	case EventJobCompleted:
		queueWait, _ := ev.Fields["queue_wait_ns"].(int64)
		runActive, _ := ev.Fields["run_active_ns"].(int64)
		if e.thresholds.ShouldPromote(queueWait, runActive) {
			jobType, _ := ev.Fields["job_type"].(string)
			span := &Span{Name: "job:" + jobType, Kind: ev.Kind, Start: ns, End: ns, Fields: ev.Fields}
			owner := e.currentStepName(ev.Fields)
			if parent, ok := e.stepByName[owner]; ok {
				parent.Children = append(parent.Children, span)
			} else if e.root != nil {
				e.root.Children = append(e.root.Children, span)
			}
		}
	case EventRequestEnd:
		if e.root != nil {
			e.root.End = ns
			if e.Sink != nil {
				e.Sink(e.root)
			}
		}
	}
}

func (e *SpanTreeExporter) currentStepName(fields map[string]any) string {
	if name, ok := fields["step_name"].(string); ok {
		return name
	}
	return ""
}

// SortedChildren returns a span's children ordered by start time, for
// deterministic rendering.
func SortedChildren(s *Span) []*Span {
	out := append([]*Span{}, s.Children...)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}
