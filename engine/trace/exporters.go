package trace

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.uber.org/zap"
)

// ZapExporter is a stdout sink for the span tree built by
// SpanTreeExporter: it logs a one-entry summary of each finished tree
// with zap's structured encoder.
type ZapExporter struct {
	logger *zap.Logger
}

// NewZapExporter wraps a *zap.Logger.
func NewZapExporter(logger *zap.Logger) *ZapExporter {
	return &ZapExporter{logger: logger}
}

// Sink implements the SpanTreeExporter.Sink signature: logs the request
// id, the root span's duration and the number of top-level child spans
// as one structured entry. The child spans themselves are not logged.
func (z *ZapExporter) Sink(root *Span) {
	z.logger.Info("request_trace",
		zap.String("request_id", stringField(root.Fields, "request_id")),
		zap.Int64("duration_ns", root.End-root.Start),
		zap.Int("child_spans", len(root.Children)),
	)
}

func stringField(fields map[string]any, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

// AccessLogExporter emits one zerolog line per request_end event — the
// per-request access log, distinct from the full trace export.
type AccessLogExporter struct {
	logger zerolog.Logger
}

// NewAccessLogExporter wraps a zerolog.Logger.
func NewAccessLogExporter(logger zerolog.Logger) *AccessLogExporter {
	return &AccessLogExporter{logger: logger}
}

// Export implements Exporter.
func (a *AccessLogExporter) Export(ev Event) {
	if ev.Kind != EventRequestEnd {
		return
	}
	a.logger.Info().
		Str("request_id", stringField(ev.Fields, "request_id")).
		Interface("status", ev.Fields["status"]).
		Interface("duration_ns", ev.Fields["duration_ns"]).
		Msg("request completed")
}

// LiveTailExporter streams every event as a JSON frame to subscribed
// websocket connections, a debug-facing reference exporter beyond the
// span-tree contract.
type LiveTailExporter struct {
	upgrader websocket.Upgrader
	subs     chan *websocket.Conn
	conns    []*websocket.Conn
	incoming chan Event
}

// NewLiveTailExporter creates a tail exporter; call Run in a goroutine to
// start fanning events out to subscribers.
func NewLiveTailExporter() *LiveTailExporter {
	return &LiveTailExporter{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		subs:     make(chan *websocket.Conn, 16),
		incoming: make(chan Event, 256),
	}
}

// ServeHTTP upgrades the connection and registers it as a tail
// subscriber.
func (l *LiveTailExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	l.subs <- conn
}

// Export implements Exporter: queues the event for fan-out. Never
// blocks; a full queue drops the event rather than stalling the request.
func (l *LiveTailExporter) Export(ev Event) {
	select {
	case l.incoming <- ev:
	default:
	}
}

// Run drains incoming events and writes them to every connected
// subscriber, pruning connections once a write fails. It returns when
// done is closed.
func (l *LiveTailExporter) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case conn := <-l.subs:
			l.conns = append(l.conns, conn)
		case ev := <-l.incoming:
			payload, err := json.Marshal(struct {
				Kind   EventKind      `json:"kind"`
				TS     int64          `json:"ts"`
				Fields map[string]any `json:"fields"`
			}{Kind: ev.Kind, TS: ev.TS.UnixNano(), Fields: ev.Fields})
			if err != nil {
				continue
			}
			alive := l.conns[:0]
			for _, conn := range l.conns {
				if err := conn.WriteMessage(websocket.TextMessage, payload); err == nil {
					alive = append(alive, conn)
				} else {
					_ = conn.Close()
				}
			}
			l.conns = alive
		}
	}
}
