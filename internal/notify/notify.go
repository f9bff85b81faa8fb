// Package notify carries the progression event stream from the engine out to
// whoever is listening: the log, the websocket hub, the result recorder.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

// EventType identifies a progression notification
type EventType string

const (
	LevelUnlocked  EventType = "level_unlocked"
	LevelStarted   EventType = "level_started"
	GroupSatisfied EventType = "group_satisfied"
	LevelCompleted EventType = "level_completed"
	LevelFailed    EventType = "level_failed"
	LevelTimeLow   EventType = "level_time_low"
)

// Event is a single progression notification. SessionID is empty inside the
// engine and stamped by the session layer before fan-out.
type Event struct {
	Type      EventType     `json:"type"`
	SessionID string        `json:"session_id,omitempty"`
	LevelID   int           `json:"level_id"`
	Group     string        `json:"group,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Remaining time.Duration `json:"remaining,omitempty"`
	At        time.Time     `json:"at"`
}

// Sink consumes progression events. Notify must not block; slow consumers
// buffer or drop on their side.
type Sink interface {
	Notify(ev Event)
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(ev Event)

// Notify implements Sink
func (f SinkFunc) Notify(ev Event) {
	f(ev)
}

// Registry fans one event stream out to named sinks
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

// NewRegistry creates an empty sink registry
func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]Sink)}
}

// Register adds a sink under a name, replacing any previous one
func (r *Registry) Register(name string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = sink
}

// Unregister removes a sink by name
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, name)
}

// List returns all registered sink names
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		names = append(names, name)
	}
	return names
}

// Notify implements Sink by delivering the event to every registered sink
func (r *Registry) Notify(ev Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sink := range r.sinks {
		sink.Notify(ev)
	}
}

// LogSink writes every event to slog
type LogSink struct{}

// Notify implements Sink
func (LogSink) Notify(ev Event) {
	slog.Info("progression event",
		"type", ev.Type,
		"session_id", ev.SessionID,
		"level_id", ev.LevelID,
		"group", ev.Group,
		"reason", ev.Reason,
	)
}
