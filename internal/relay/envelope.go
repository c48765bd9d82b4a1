// Package relay publishes domain events to the message broker with a
// standardized envelope and bounded retry.
package relay

import (
	"time"

	"github.com/google/uuid"
)

// EnvelopeVersion is the wire version stamped on every outbound event.
const EnvelopeVersion = "1.0"

// Envelope is the standardized wrapper around a domain event. Once
// built it is never mutated; the payload map is the caller's original
// event fields.
type Envelope struct {
	ID        string         `json:"id"`
	Topic     string         `json:"topic"`
	Version   string         `json:"version"`
	Timestamp string         `json:"timestamp"`
	Origin    string         `json:"origin_service"`
	UserID    string         `json:"user_id,omitempty"`
	Payload   map[string]any `json:"payload"`
}

// newEnvelope wraps a payload. The event keeps its own id when it has
// one; otherwise a fresh UUID is assigned. A user_id payload field is
// hoisted to the top level as a routing hint.
func newEnvelope(topic, origin string, payload map[string]any, now time.Time) Envelope {
	env := Envelope{
		Topic:     topic,
		Version:   EnvelopeVersion,
		Timestamp: now.UTC().Format(time.RFC3339),
		Origin:    origin,
		Payload:   payload,
	}
	if id, ok := payload["id"].(string); ok && id != "" {
		env.ID = id
	} else {
		env.ID = uuid.New().String()
	}
	if userID, ok := payload["user_id"].(string); ok {
		env.UserID = userID
	}
	return env
}
