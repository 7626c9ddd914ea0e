package audit

import (
	"context"
	"log"
	"time"

	"github.com/porticodev/portico/internal/metrics"
	"github.com/porticodev/portico/internal/model"
)

// Event records one connection routing or tunnel lifecycle outcome. Events
// never carry secret material; identifiers only.
type Event struct {
	Time      time.Time       `json:"time"`
	TargetID  string          `json:"target_id"`
	Transport model.Transport `json:"transport"`
	HostID    string          `json:"host_id,omitempty"`
	Outcome   string          `json:"outcome"`
	Detail    string          `json:"detail,omitempty"`
}

// Sink receives audit events. Recording failures must never fail the
// connection itself; sinks log and move on.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// LogSink writes events to the process log. Always installed.
type LogSink struct{}

func (LogSink) Record(_ context.Context, ev Event) {
	log.Printf("event=audit time=%s target_id=%s transport=%s host_id=%s outcome=%s detail=%q",
		ev.Time.UTC().Format(time.RFC3339), ev.TargetID, ev.Transport, ev.HostID, ev.Outcome, ev.Detail)
	metrics.Default().IncCounter("portico_audit_events_total", map[string]string{"sink": "log", "status": "ok"})
}

// Fanout sends every event to each sink in order.
type Fanout []Sink

func (f Fanout) Record(ctx context.Context, ev Event) {
	for _, sink := range f {
		sink.Record(ctx, ev)
	}
}
