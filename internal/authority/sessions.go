package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/convogate/convogate/internal/session"
)

// SessionStore implements session.Store against the authority's session
// endpoints. Records travel as an opaque session_data document keyed by
// conversation ID; the authority never interprets its contents.
type SessionStore struct {
	c *Client
}

// Sessions returns the session store fronted by this authority.
func (c *Client) Sessions() *SessionStore {
	return &SessionStore{c: c}
}

type sessionEnvelope struct {
	ConversationID string          `json:"conversation_id"`
	SessionData    json.RawMessage `json:"session_data"`
}

// Put creates or updates the conversation's session record.
func (s *SessionStore) Put(ctx context.Context, sess *session.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	env := sessionEnvelope{
		ConversationID: sess.ConversationID,
		SessionData:    data,
	}
	if err := s.c.postJSON(ctx, "/sessions", env, http.StatusCreated, nil); err != nil {
		// Some deployments answer an update with 200 instead of 201.
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusOK {
			return nil
		}
		return fmt.Errorf("store session %s: %w", sess.ConversationID, err)
	}
	return nil
}

// Get loads the conversation's session record, session.ErrNotFound when
// absent.
func (s *SessionStore) Get(ctx context.Context, conversationID string) (*session.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.c.baseURL+"/sessions/"+conversationID, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	var env sessionEnvelope
	if err := s.c.do(req, http.StatusOK, &env); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, session.ErrNotFound
		}
		return nil, fmt.Errorf("load session %s: %w", conversationID, err)
	}

	var sess session.Session
	if err := json.Unmarshal(env.SessionData, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", conversationID, err)
	}
	return &sess, nil
}

// Delete removes the conversation's session record. Absence reports
// session.ErrNotFound so callers can treat it as already gone.
func (s *SessionStore) Delete(ctx context.Context, conversationID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.c.baseURL+"/sessions/"+conversationID, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := s.c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", conversationID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return session.ErrNotFound
	default:
		return fmt.Errorf("delete session %s: authority returned status %d", conversationID, resp.StatusCode)
	}
}

var (
	_ session.Store          = (*SessionStore)(nil)
	_ session.TokenValidator = (*Client)(nil)
	_ session.LogoutNotifier = (*Client)(nil)
)
