package posture

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"
)

// EventType identifies a classifier state transition.
type EventType string

const (
	DodgeStarted         EventType = "dodge_started"
	DodgeEnded           EventType = "dodge_ended"
	CooldownStarted      EventType = "cooldown_started"
	CooldownEnded        EventType = "cooldown_ended"
	SquatDepthChanged    EventType = "squat_depth_changed"
	PerfectSquatDetected EventType = "perfect_squat_detected"
)

// Event is a discrete edge-triggered notification emitted by the classifier.
// Each event fires exactly once per transition, synchronously within the Tick
// call that caused it. Value carries the normalized depth for
// SquatDepthChanged and the quality score for PerfectSquatDetected; it is
// zero otherwise.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp float64   `json:"timestamp"`
	Value     float64   `json:"value,omitempty"`
}

// EventSink receives classifier events. Implementations must not block: the
// classifier delivers events on the caller's tick goroutine.
type EventSink interface {
	HandleEvent(Event)
}

// SinkFunc adapts a plain function to the EventSink interface.
type SinkFunc func(Event)

func (f SinkFunc) HandleEvent(e Event) { f(e) }

// SinkMux fans classifier events out to multiple attached sinks, so scoring,
// recording, and debug consumers can subscribe without the classifier knowing
// about any of them. Attachment lifetime is explicit: Attach returns an ID
// used to Detach.
type SinkMux struct {
	mu    sync.Mutex
	sinks map[string]EventSink
}

// NewSinkMux creates an empty sink fan-out.
func NewSinkMux() *SinkMux {
	return &SinkMux{sinks: make(map[string]EventSink)}
}

// randomID generates a random sink ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Attach registers a sink and returns its ID.
func (m *SinkMux) Attach(sink EventSink) string {
	id := randomID()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks[id] = sink
	return id
}

// Detach removes a previously attached sink.
func (m *SinkMux) Detach(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sinks, id)
}

// HandleEvent delivers the event to every attached sink.
func (m *SinkMux) HandleEvent(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sink := range m.sinks {
		sink.HandleEvent(e)
	}
}
