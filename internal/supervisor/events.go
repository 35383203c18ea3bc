package supervisor

import "go.codemux.dev/tunneld/internal/discover"

// EventType classifies outbound notifications.
type EventType string

const (
	// EventStatus is emitted for every state transition except the two below.
	EventStatus EventType = "status"
	// EventStarted is emitted once, on the first successful end-to-end
	// connection of a session.
	EventStarted EventType = "started"
	// EventAuth carries the device-code login prompt.
	EventAuth EventType = "auth"
	// EventError carries failures; Fatal is set only when the restart budget
	// is exhausted.
	EventError EventType = "error"
)

// Event is the single outbound notification shape. Fields are populated per
// Type; everything else is omitted from the wire form.
type Event struct {
	Type EventType `json:"type"`

	Status     Status `json:"status,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
	MaxRetries int    `json:"maxRetries,omitempty"`
	Reason     string `json:"reason,omitempty"`

	URL       string `json:"url,omitempty"`
	LocalURL  string `json:"localUrl,omitempty"`
	PublicURL string `json:"publicUrl,omitempty"`

	AuthURL    string `json:"authUrl,omitempty"`
	DeviceCode string `json:"deviceCode,omitempty"`

	Message string                `json:"message,omitempty"`
	Fatal   bool                  `json:"fatal,omitempty"`
	Install *discover.InstallHint `json:"install,omitempty"`
}

// EmitFunc receives every outbound event. It must not block; slow consumers
// should buffer on their side.
type EmitFunc func(sessionID string, ev Event)

func (s *Supervisor) emitStatus(sessionID string, status Status, attempt int, reason string) {
	ev := Event{Type: EventStatus, Status: status, Reason: reason}
	if attempt > 0 {
		ev.Attempt = attempt
		ev.MaxRetries = s.restartSettings().MaxRetries
	}
	s.emit(sessionID, ev)
}

func (s *Supervisor) emitError(sessionID, message string, fatal bool, install *discover.InstallHint) {
	s.emit(sessionID, Event{Type: EventError, Message: message, Fatal: fatal, Install: install})
}
