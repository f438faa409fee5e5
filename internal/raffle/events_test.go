package raffle

import (
	"sync"

	"github.com/atmx/raffle-engine/internal/model"
)

// EventLog is an EventSink that keeps every event in memory.
type EventLog struct {
	mu     sync.Mutex
	events []model.Event
}

func (l *EventLog) Publish(ev model.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

// Events returns a copy of the recorded events.
func (l *EventLog) Events() []model.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Event, len(l.events))
	copy(out, l.events)
	return out
}

// OfType returns the recorded events of type t.
func (l *EventLog) OfType(t model.EventType) []model.Event {
	var out []model.Event
	for _, ev := range l.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
