package stats

import (
	"context"
	"errors"
)

// ErrNoSubscriber is returned by a Sink that has nobody listening for the
// event's principal. Callers fall back to the transcript.
var ErrNoSubscriber = errors.New("stats: no status subscriber")

// Level grades a status event.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Sink is an optional asynchronous status channel supplied by the host.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Event is a status message in the host's event shape:
// {"type":"status","data":{"description":"...","done":true}}.
type Event struct {
	Type      string    `json:"type"`
	Data      EventData `json:"data"`
	Principal string    `json:"-"`
}

// EventData is the payload of an Event.
type EventData struct {
	Description string `json:"description"`
	Done        bool   `json:"done"`
	Level       Level  `json:"level,omitempty"`
}

// NewEvent builds a finished status event for a principal.
func NewEvent(principalID, description string, level Level) Event {
	return Event{
		Type:      "status",
		Principal: principalID,
		Data: EventData{
			Description: description,
			Done:        true,
			Level:       level,
		},
	}
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}
