package authority

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/convogate/convogate/internal/session"
	"github.com/convogate/convogate/internal/testutil"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantValid bool
		wantErr   bool
	}{
		{name: "accepted", status: http.StatusOK, wantValid: true},
		{name: "unauthorized", status: http.StatusUnauthorized, wantValid: false},
		{name: "forbidden", status: http.StatusForbidden, wantValid: false},
		{name: "server error", status: http.StatusInternalServerError, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/auth/validate" {
					t.Errorf("path = %s", r.URL.Path)
				}
				if got := r.Header.Get("Authorization"); got != "Bearer tok" {
					t.Errorf("Authorization = %q", got)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewClient(srv.URL)
			valid, err := c.Validate(context.Background(), "tok")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if valid != tt.wantValid {
				t.Errorf("valid = %v, want %v", valid, tt.wantValid)
			}
		})
	}
}

func TestValidateTransportErrorIsNotInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := NewClient(srv.URL)
	_, err := c.Validate(context.Background(), "tok")
	if err == nil {
		t.Fatal("unreachable authority must surface an error, not a boolean")
	}
}

func TestRegister(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/register" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.ConversationID != "42" {
			t.Errorf("conversation_id = %q", req.ConversationID)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(User{ID: "user-1", Email: req.Email, Username: req.Username})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	user, err := c.Register(context.Background(), RegisterRequest{
		Email:          "u@x.com",
		Username:       "alice",
		Password:       "longpassword",
		ConversationID: "42",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if user.ID != "user-1" {
		t.Errorf("user ID = %q", user.ID)
	}
}

func TestRegisterRejectionCarriesDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"detail": "Email already registered"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Register(context.Background(), RegisterRequest{Email: "u@x.com"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Detail != "Email already registered" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["email"] != "u@x.com" || body["password"] != "secret-pw" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"detail": "Incorrect email or password"})
			return
		}
		json.NewEncoder(w).Encode(Token{AccessToken: "tok-1", TokenType: "bearer"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)

	token, err := c.Login(context.Background(), "u@x.com", "secret-pw", "42")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if token.AccessToken != "tok-1" {
		t.Errorf("token = %q", token.AccessToken)
	}

	_, err = c.Login(context.Background(), "u@x.com", "wrong", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Errorf("bad credentials error = %v, want 401 APIError", err)
	}
}

func TestGetIdentityLinkSendsServiceKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/user-1/identity-link" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Service-Key"); got != "svc-key" {
			t.Errorf("X-Service-Key = %q", got)
		}
		json.NewEncoder(w).Encode(IdentityLink{UserID: "user-1", ConversationID: "42"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithServiceKey("svc-key"))
	link, err := c.GetIdentityLink(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetIdentityLink() error = %v", err)
	}
	if link.ConversationID != "42" {
		t.Errorf("link = %+v", link)
	}
}

// fakeSessionBackend implements the authority's /sessions endpoints in
// memory.
type fakeSessionBackend struct {
	mu      sync.Mutex
	records map[string]json.RawMessage
}

func (b *fakeSessionBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		var env struct {
			ConversationID string          `json:"conversation_id"`
			SessionData    json.RawMessage `json:"session_data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.records[env.ConversationID] = env.SessionData
		b.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		data, ok := b.records[r.PathValue("id")]
		b.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"detail": "Session not found"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"conversation_id": r.PathValue("id"),
			"session_data":    data,
		})
	})
	mux.HandleFunc("DELETE /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		_, ok := b.records[r.PathValue("id")]
		delete(b.records, r.PathValue("id"))
		b.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func TestSessionStoreRoundTrip(t *testing.T) {
	backend := &fakeSessionBackend{records: make(map[string]json.RawMessage)}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	store := NewClient(srv.URL).Sessions()

	now := time.Unix(1700000000, 0).UTC()
	sess := session.New("42", now)
	sess.State = session.StateAwaitingLoginPassword
	sess.Context[session.ContextKeyLogin] = map[string]any{"email": "u@x.com"}

	if err := store.Put(context.Background(), sess); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := store.Get(context.Background(), "42")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != session.StateAwaitingLoginPassword {
		t.Errorf("state = %q, symbolic name must survive the store", got.State)
	}
	login, ok := got.Context[session.ContextKeyLogin].(map[string]any)
	if !ok || login["email"] != "u@x.com" {
		t.Errorf("context = %#v", got.Context)
	}

	if err := store.Delete(context.Background(), "42"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(context.Background(), "42"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := store.Delete(context.Background(), "42"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

// TestValidateReplay exercises the client against a recorded exchange.
// Record with VCR_MODE=record and AUTHORITY_URL pointing at a live
// authority; without a cassette the test is skipped.
func TestValidateReplay(t *testing.T) {
	cassette := filepath.Join("testdata", "fixtures", "authority_validate.yaml")
	if _, err := os.Stat(cassette); err != nil && os.Getenv("VCR_MODE") != "record" {
		t.Skip("no recorded cassette; set VCR_MODE=record to create one")
	}

	rec, cleanup := testutil.NewVCRRecorder(t, "authority_validate")
	defer cleanup()

	baseURL := os.Getenv("AUTHORITY_URL")
	if baseURL == "" {
		baseURL = "http://authority.internal"
	}

	c := NewClient(baseURL, WithHTTPClient(testutil.VCRHTTPClient(rec)))
	valid, err := c.Validate(context.Background(), "recorded-token")
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !valid {
		t.Error("recorded credential should validate")
	}
}
