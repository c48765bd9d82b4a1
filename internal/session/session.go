// Package session owns the durable record of one conversation's
// authentication and dialogue state, and the manager that reconciles it
// against the remote session store.
package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Session is the per-conversation record. The conversation ID is the
// immutable storage key; everything else mutates as the dialogue and
// authentication lifecycle advance.
type Session struct {
	ConversationID string
	UserID         string
	Credential     string
	Authenticated  bool
	CreatedAt      time.Time
	LastActivity   time.Time
	LastCredCheck  time.Time
	State          State
	Context        map[string]any
}

// New returns a fresh idle session for the given conversation.
func New(conversationID string, now time.Time) *Session {
	return &Session{
		ConversationID: conversationID,
		CreatedAt:      now,
		LastActivity:   now,
		Context:        make(map[string]any),
	}
}

// Touch advances the activity timestamp. It never moves backwards, so a
// stale clock reading cannot shorten a session's life.
func (s *Session) Touch(now time.Time) {
	if now.After(s.LastActivity) {
		s.LastActivity = now
	}
}

// Expired reports whether the session has been idle longer than timeout.
func (s *Session) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastActivity) > timeout
}

// IsAuthenticated reports whether the session holds a credential that
// was valid at the last check.
func (s *Session) IsAuthenticated() bool {
	return s.Authenticated && s.Credential != ""
}

// sessionWire is the JSON shape of a persisted session. Timestamps are
// unix seconds so the record stays readable across language boundaries.
type sessionWire struct {
	ConversationID string         `json:"conversation_id"`
	UserID         string         `json:"user_id,omitempty"`
	Credential     string         `json:"credential,omitempty"`
	Authenticated  bool           `json:"is_authenticated"`
	CreatedAt      int64          `json:"created_at"`
	LastActivity   int64          `json:"last_activity"`
	LastCredCheck  int64          `json:"last_credential_check,omitempty"`
	State          State          `json:"state"`
	Context        map[string]any `json:"context,omitempty"`
}

// MarshalJSON encodes the session in its wire shape. The context passes
// through the tagged-variant encoder, so an unserializable value fails
// the write instead of being stored as an opaque string.
func (s *Session) MarshalJSON() ([]byte, error) {
	ctx, err := encodeContext(s.Context)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", s.ConversationID, err)
	}
	wire := sessionWire{
		ConversationID: s.ConversationID,
		UserID:         s.UserID,
		Credential:     s.Credential,
		Authenticated:  s.IsAuthenticated(),
		CreatedAt:      s.CreatedAt.Unix(),
		LastActivity:   s.LastActivity.Unix(),
		State:          s.State,
		Context:        ctx,
	}
	if !s.LastCredCheck.IsZero() {
		wire.LastCredCheck = s.LastCredCheck.Unix()
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes a persisted session. A record claiming to be
// authenticated without a credential is normalized to unauthenticated.
func (s *Session) UnmarshalJSON(data []byte) error {
	var wire sessionWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode session: %w", err)
	}
	if wire.ConversationID == "" {
		return fmt.Errorf("decode session: missing conversation_id")
	}
	s.ConversationID = wire.ConversationID
	s.UserID = wire.UserID
	s.Credential = wire.Credential
	s.Authenticated = wire.Authenticated && wire.Credential != ""
	s.CreatedAt = time.Unix(wire.CreatedAt, 0).UTC()
	s.LastActivity = time.Unix(wire.LastActivity, 0).UTC()
	if wire.LastCredCheck != 0 {
		s.LastCredCheck = time.Unix(wire.LastCredCheck, 0).UTC()
	} else {
		s.LastCredCheck = time.Time{}
	}
	s.State = wire.State
	if wire.Context != nil {
		s.Context = wire.Context
	} else {
		s.Context = make(map[string]any)
	}
	return nil
}
