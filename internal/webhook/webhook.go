// Package webhook delivers session lifecycle events to registered
// HTTP endpoints with HMAC signing and bounded retry.
package webhook

import "strings"

// Event names fired over the lifetime of a conversion session.
const (
	EventSessionStarted    = "session.started"
	EventStageCompleted    = "session.stage_completed"
	EventSessionPaused     = "session.paused"
	EventSessionResumed    = "session.resumed"
	EventSessionCompleted  = "session.completed"
	EventSessionFailed     = "session.failed"
	EventManualFixRequired = "manual_fix.required"
	EventTest              = "webhook.test"
)

// Config describes one registered endpoint. An empty Events list
// subscribes to everything.
type Config struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Events  []string          `json:"events,omitempty"`
	Secret  string            `json:"secret,omitempty"`
}

// ShouldFire reports whether this endpoint subscribes to the event.
// Matching is case-insensitive.
func (c Config) ShouldFire(event string) bool {
	if len(c.Events) == 0 {
		return true
	}
	normalized := strings.ToLower(event)
	for _, e := range c.Events {
		if strings.ToLower(e) == normalized {
			return true
		}
	}
	return false
}

// Delivery records the outcome of one endpoint delivery. OK is false
// when every attempt failed; Status then holds the last HTTP status,
// or zero for transport errors.
type Delivery struct {
	URL      string `json:"url"`
	Status   int    `json:"status"`
	Attempts int    `json:"attempts"`
	OK       bool   `json:"ok"`
}
