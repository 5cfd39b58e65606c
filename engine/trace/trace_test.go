package trace

import "testing"

func TestRecorder_EmitAttachesRequestID(t *testing.T) {
	r := NewRecorder("req-1")
	r.Emit(string(EventStepStart), map[string]any{"step_name": "extract_id"})

	events := r.Events()
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].Fields["request_id"] != "req-1" {
		t.Errorf("request_id = %v, want req-1", events[0].Fields["request_id"])
	}
}

func TestRecorder_FansOutToExporters(t *testing.T) {
	var seen []Event
	exp := ExporterFunc(func(e Event) { seen = append(seen, e) })
	r := NewRecorder("req-1", exp)

	r.Emit(string(EventRequestStart), nil)
	r.Emit(string(EventRequestEnd), map[string]any{"status": 200})

	if len(seen) != 2 {
		t.Fatalf("exporter saw %d events, want 2", len(seen))
	}
}

func TestPromotionThresholds_ShouldPromote(t *testing.T) {
	th := PromotionThresholds{QueueWaitNS: 1000, RunActiveNS: 2000}

	cases := []struct {
		queueWait, runActive int64
		want                 bool
	}{
		{0, 0, false},
		{1000, 0, true},
		{0, 2000, true},
		{999, 1999, false},
	}
	for _, c := range cases {
		if got := th.ShouldPromote(c.queueWait, c.runActive); got != c.want {
			t.Errorf("ShouldPromote(%d,%d) = %v, want %v", c.queueWait, c.runActive, got, c.want)
		}
	}
}
