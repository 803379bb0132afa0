package audit

import (
	"fmt"
	"log"
)

// Sink receives constructed audit events.
type Sink interface {
	Write(Event) error
}

// QuerySink is a sink that can also be queried.
type QuerySink interface {
	Sink
	Query(Filter) ([]Event, error)
}

// Logger fans events out to its sinks. Sink write failures are logged
// and never propagated to the caller; only event construction can fail.
type Logger struct {
	sinks    []Sink
	querySrc QuerySink
}

// NewLogger builds a logger over the given sinks. The first QuerySink
// encountered serves Query calls.
func NewLogger(sinks ...Sink) *Logger {
	l := &Logger{sinks: sinks}
	for _, s := range sinks {
		if qs, ok := s.(QuerySink); ok {
			l.querySrc = qs
			break
		}
	}
	return l
}

// Log constructs and records an event. A sensitive metadata key fails
// the call before anything is written.
func (l *Logger) Log(kind Kind, peerID, action, resource, result, reason string, metadata map[string]any) error {
	ev, err := NewEvent(kind, peerID, action, resource, result, reason, metadata)
	if err != nil {
		return err
	}
	for _, s := range l.sinks {
		if err := s.Write(ev); err != nil {
			log.Printf("[audit] sink write failed: %v", err)
		}
	}
	return nil
}

// Query returns matching events from the queryable sink.
func (l *Logger) Query(f Filter) ([]Event, error) {
	if l.querySrc == nil {
		return nil, fmt.Errorf("audit: no queryable sink configured")
	}
	return l.querySrc.Query(f)
}
