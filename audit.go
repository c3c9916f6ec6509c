package trustcore

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// AuditEvent defines a public type used by trustcore APIs.
//
// ActorID is who performed the action; SubjectID is who the action was about.
// For self-service operations the two match, for impersonation and forced
// termination they differ.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Action    string            `json:"action"`
	ActorID   string            `json:"actor_id,omitempty"`
	SubjectID string            `json:"subject_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AuditSink receives emitted audit events.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent)
}

// NoOpSink drops audit events.
type NoOpSink struct{}

// Emit describes the emit operation and its observable behavior.
func (NoOpSink) Emit(context.Context, AuditEvent) {}

// ChannelSink writes audit events into a buffered channel.
type ChannelSink struct {
	events chan AuditEvent
}

// NewChannelSink describes the newchannelsink operation and its observable behavior.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan AuditEvent, buffer),
	}
}

// Emit describes the emit operation and its observable behavior.
func (s *ChannelSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

// Events describes the events operation and its observable behavior.
func (s *ChannelSink) Events() <-chan AuditEvent {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

// NewJSONWriterSink describes the newjsonwritersink operation and its observable behavior.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

// Emit describes the emit operation and its observable behavior.
func (s *JSONWriterSink) Emit(ctx context.Context, event AuditEvent) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}

// MemorySink retains emitted events in memory and supports the subject and
// actor queries the review workflows need. Intended for small deployments and
// tests; production deployments typically wrap a durable log instead.
type MemorySink struct {
	mu     sync.RWMutex
	events []AuditEvent
}

// NewMemorySink describes the newmemorysink operation and its observable behavior.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Emit describes the emit operation and its observable behavior.
func (s *MemorySink) Emit(_ context.Context, event AuditEvent) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

// QueryBySubject describes the querybysubject operation and its observable behavior.
//
// Results are returned oldest first, in emission order.
// QueryBySubject does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *MemorySink) QueryBySubject(subjectID string) []AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []AuditEvent
	for _, e := range s.events {
		if e.SubjectID == subjectID {
			out = append(out, e)
		}
	}
	return out
}

// QueryByActor describes the querybyactor operation and its observable behavior.
//
// QueryByActor does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *MemorySink) QueryByActor(actorID string) []AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []AuditEvent
	for _, e := range s.events {
		if e.ActorID == actorID {
			out = append(out, e)
		}
	}
	return out
}

// All describes the all operation and its observable behavior.
func (s *MemorySink) All() []AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]AuditEvent(nil), s.events...)
}
