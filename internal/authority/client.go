// Package authority is the HTTP client for the external credential
// authority: registration, login, credential validation, logout, chat
// identity lookup, and the session store the authority fronts.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout overrides the default 10s request timeout. Ignored when a
// custom HTTP client is supplied.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithServiceKey sets the service API key sent on internal endpoints
// such as the identity-link lookup.
func WithServiceKey(key string) Option {
	return func(c *Client) {
		c.serviceKey = key
	}
}

// Client talks to the credential authority.
type Client struct {
	baseURL    string
	serviceKey string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient creates an authority client for the given base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	return c
}

// Token is an opaque bearer credential issued on login.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// User is the authority's view of an account.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// RegisterRequest is the profile submitted for account creation. The
// conversation ID lets the authority link the chat identity immediately.
type RegisterRequest struct {
	Email          string `json:"email"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// IdentityLink maps an account to its external chat identity.
type IdentityLink struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
}

// APIError is a non-2xx response from the authority with its detail
// message, e.g. a duplicate registration or bad credentials.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("authority returned status %d", e.Status)
	}
	return fmt.Sprintf("authority returned status %d: %s", e.Status, e.Detail)
}

// Register creates an account. Rejections come back as *APIError.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	var user User
	if err := c.postJSON(ctx, "/auth/register", req, http.StatusCreated, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Login exchanges credentials for a bearer token. When conversationID is
// set the authority also links the chat identity to the account.
func (c *Client) Login(ctx context.Context, email, password, conversationID string) (*Token, error) {
	body := map[string]string{
		"email":    email,
		"password": password,
	}
	if conversationID != "" {
		body["conversation_id"] = conversationID
	}
	var token Token
	if err := c.postJSON(ctx, "/auth/login", body, http.StatusOK, &token); err != nil {
		return nil, err
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("login response carried no access token")
	}
	return &token, nil
}

// Me fetches the account behind a bearer credential.
func (c *Client) Me(ctx context.Context, credential string) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/users/me", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	var user User
	if err := c.do(req, http.StatusOK, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Validate asks the authority whether a credential is still accepted.
// Only an explicit unauthorized response reports invalid; transport
// failures return an error so callers can distinguish "revoked" from
// "unreachable".
func (c *Client) Validate(ctx context.Context, credential string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/validate", nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("validate request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, nil
	default:
		return false, fmt.Errorf("validate returned status %d", resp.StatusCode)
	}
}

// Logout invalidates a credential server-side. Best effort by contract;
// callers log failures and move on.
func (c *Client) Logout(ctx context.Context, credential string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/logout", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	return c.do(req, http.StatusOK, nil)
}

// GetIdentityLink looks up the external chat identity bound to a user.
// This is an internal endpoint guarded by the service API key.
func (c *Client) GetIdentityLink(ctx context.Context, userID string) (*IdentityLink, error) {
	url := fmt.Sprintf("%s/users/%s/identity-link", c.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Service-Key", c.serviceKey)

	var link IdentityLink
	if err := c.do(req, http.StatusOK, &link); err != nil {
		return nil, err
	}
	return &link, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, wantStatus int, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, wantStatus, out)
}

func (c *Client) do(req *http.Request, wantStatus int, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != wantStatus {
		return apiError(resp.StatusCode, respBody)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// apiError extracts the authority's {"detail": ...} message when one is
// present.
func apiError(status int, body []byte) error {
	var payload struct {
		Detail string `json:"detail"`
	}
	_ = json.Unmarshal(body, &payload)
	return &APIError{Status: status, Detail: payload.Detail}
}
