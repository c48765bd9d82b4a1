package session

import (
	"encoding/json"
	"fmt"
)

// State is one step of the conversational authentication dialogue. The
// zero value means no dialogue is in progress. States persist across
// process restarts, so the wire encoding is always the symbolic name,
// never an ordinal.
type State string

const (
	StateNone                  State = ""
	StateInitial               State = "INITIAL"
	StateAwaitingEmail         State = "AWAITING_EMAIL"
	StateAwaitingUsername      State = "AWAITING_USERNAME"
	StateAwaitingPassword      State = "AWAITING_PASSWORD"
	StateAwaitingLoginEmail    State = "AWAITING_LOGIN_EMAIL"
	StateAwaitingLoginPassword State = "AWAITING_LOGIN_PASSWORD"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateNone, StateInitial,
		StateAwaitingEmail, StateAwaitingUsername, StateAwaitingPassword,
		StateAwaitingLoginEmail, StateAwaitingLoginPassword:
		return true
	}
	return false
}

// Idle reports whether s is a terminal state with no dialogue pending.
func (s State) Idle() bool {
	return s == StateNone || s == StateInitial
}

func (s State) String() string {
	return string(s)
}

// MarshalJSON encodes the state as its symbolic name, or null when no
// state is set.
func (s State) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown session state %q", string(s))
	}
	if s == StateNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON decodes a symbolic state name. Unknown names are an
// error rather than being carried along as opaque strings, so a corrupt
// record is caught at the storage boundary instead of mid-dialogue.
func (s *State) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = StateNone
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("decode session state: %w", err)
	}
	decoded := State(name)
	if !decoded.Valid() {
		return fmt.Errorf("unknown session state %q", name)
	}
	*s = decoded
	return nil
}
