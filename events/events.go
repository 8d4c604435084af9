// Package events carries session lifecycle notifications to whatever the
// surrounding application uses for audit and observability.
package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Kind names a lifecycle event.
type Kind string

const (
	SessionCreated Kind = "session_created"
	SessionEvicted Kind = "session_evicted"
	SessionFailed  Kind = "session_failed"
	PersistFailed  Kind = "persist_failed"
)

// Event is one lifecycle notification.
type Event struct {
	Kind         Kind      `json:"kind"`
	DocumentID   string    `json:"documentId"`
	Seq          int64     `json:"globalSeq"`
	Participants int       `json:"participants,omitempty"`
	Err          string    `json:"error,omitempty"`
	At           time.Time `json:"at"`
}

// New builds an event stamped with the current time.
func New(kind Kind, docID string, seq int64, err error) Event {
	ev := Event{Kind: kind, DocumentID: docID, Seq: seq, At: time.Now().UTC()}
	if err != nil {
		ev.Err = err.Error()
	}
	return ev
}

// Sink receives lifecycle events. Publish must not block for long: it is
// called on the registry's eviction and teardown paths. Delivery failures are
// the sink's problem and never reach the caller.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Publish(ctx context.Context, ev Event) { f(ctx, ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})

// Multi fans an event out to several sinks in order.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Publish(ctx, ev)
	}
}

// LogSink writes events to a zerolog logger.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "events").Logger()}
}

func (s *LogSink) Publish(_ context.Context, ev Event) {
	e := s.logger.Info()
	if ev.Err != "" {
		e = s.logger.Error().Str("error", ev.Err)
	}
	e.Str("event", string(ev.Kind)).
		Str("doc", ev.DocumentID).
		Int64("seq", ev.Seq).
		Int("participants", ev.Participants).
		Msg("session lifecycle")
}
