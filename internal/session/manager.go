package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/convogate/convogate/internal/pkg/keylock"
)

// ErrNotFound is returned by a Store when no record exists for the
// conversation.
var ErrNotFound = errors.New("session not found")

// Store persists session records keyed by conversation ID. The remote
// implementation lives in internal/authority; tests substitute fakes.
type Store interface {
	Put(ctx context.Context, s *Session) error
	Get(ctx context.Context, conversationID string) (*Session, error)
	Delete(ctx context.Context, conversationID string) error
}

// TokenValidator checks whether a bearer credential is still accepted by
// the authority. It is stateless; the Manager owns the check cadence.
type TokenValidator interface {
	Validate(ctx context.Context, credential string) (bool, error)
}

// LogoutNotifier informs the authority that a credential's session ended
// so server-side bookkeeping stays consistent. Failures never block
// local session removal.
type LogoutNotifier interface {
	Logout(ctx context.Context, credential string) error
}

const (
	// DefaultTimeout is the inactivity window after which a session is
	// treated as expired. Expiry is judged against last activity only;
	// there is no total-lifetime cap.
	DefaultTimeout = 30 * time.Minute

	// DefaultRevalidationInterval is the minimum time between two
	// credential checks for the same session.
	DefaultRevalidationInterval = 5 * time.Minute
)

// Manager reconciles the in-process view of sessions against the remote
// store. The store is the single source of truth: every operation reads
// remote, applies the expiry policy, and writes back exactly once.
//
// Transient store failures degrade to "no session" rather than
// propagating; a conversational flow should ask the user to start over,
// not crash. Failed writes are logged and not rolled back, so a narrow
// window of local/remote divergence is accepted after a write failure.
type Manager struct {
	store           Store
	validator       TokenValidator
	notifier        LogoutNotifier
	locks           *keylock.Map
	logger          *slog.Logger
	now             func() time.Time
	timeout         time.Duration
	revalidateEvery time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock injects a custom clock, used by tests to control expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithTimeout overrides the inactivity timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithRevalidationInterval overrides the credential re-check interval.
func WithRevalidationInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.revalidateEvery = d
		}
	}
}

// WithLogoutNotifier sets the collaborator informed on session end.
func WithLogoutNotifier(n LogoutNotifier) Option {
	return func(m *Manager) {
		m.notifier = n
	}
}

// NewManager creates a session manager backed by the given store and
// validator.
func NewManager(store Store, validator TokenValidator, opts ...Option) *Manager {
	m := &Manager{
		store:           store,
		validator:       validator,
		locks:           keylock.New(),
		logger:          slog.Default(),
		now:             time.Now,
		timeout:         DefaultTimeout,
		revalidateEvery: DefaultRevalidationInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// GetOrCreate loads the conversation's session, creating a fresh idle
// one when absent or expired. The returned session is always non-nil and
// has been written back once, so activity is durably recorded.
func (m *Manager) GetOrCreate(ctx context.Context, conversationID string) *Session {
	unlock := m.locks.Lock(conversationID)
	defer unlock()

	s := m.load(ctx, conversationID)
	if s == nil {
		s = New(conversationID, m.now())
	} else {
		s.Touch(m.now())
	}
	m.persist(ctx, s)
	return s
}

// Get loads an existing session, bumping its activity. The second return
// is false when no live session exists.
func (m *Manager) Get(ctx context.Context, conversationID string) (*Session, bool) {
	unlock := m.locks.Lock(conversationID)
	defer unlock()

	s := m.load(ctx, conversationID)
	if s == nil {
		return nil, false
	}
	s.Touch(m.now())
	m.persist(ctx, s)
	return s, true
}

// IsAuthenticated reports whether the conversation holds a live,
// authenticated session. When the credential is due for revalidation the
// check goes to the authority; an explicit rejection ends the session,
// while an unreachable authority leaves it intact so an outage does not
// log everyone out. Callers should know this read persists activity and
// may delete an expired or revoked session.
func (m *Manager) IsAuthenticated(ctx context.Context, conversationID string) bool {
	unlock := m.locks.Lock(conversationID)
	defer unlock()

	s := m.load(ctx, conversationID)
	if s == nil {
		return false
	}
	if !s.IsAuthenticated() {
		s.Touch(m.now())
		m.persist(ctx, s)
		return false
	}

	now := m.now()
	if now.Sub(s.LastCredCheck) > m.revalidateEvery {
		valid, err := m.validator.Validate(ctx, s.Credential)
		switch {
		case err != nil:
			// Can't reach the authority. That is not the same as a
			// revoked credential; keep the session and retry on the
			// next check.
			m.logger.Warn("credential revalidation unreachable",
				slog.String("conversation_id", conversationID),
				slog.String("error", err.Error()))
		case !valid:
			m.logger.Info("credential revoked, ending session",
				slog.String("conversation_id", conversationID))
			m.end(ctx, s)
			return false
		default:
			s.LastCredCheck = now
		}
	}

	s.Touch(now)
	m.persist(ctx, s)
	return true
}

// UpdateState merges the context patch into the session's context
// (shallow key overwrite), sets the dialogue state, and persists. It
// reports whether a session existed; absent sessions are not created.
func (m *Manager) UpdateState(ctx context.Context, conversationID string, state State, patch map[string]any) bool {
	unlock := m.locks.Lock(conversationID)
	defer unlock()

	s := m.load(ctx, conversationID)
	if s == nil {
		return false
	}
	if s.Context == nil {
		s.Context = make(map[string]any)
	}
	for k, v := range patch {
		s.Context[k] = v
	}
	s.State = state
	if state.Idle() {
		// No dialogue in progress means no half-entered credentials may
		// linger in the record.
		delete(s.Context, ContextKeyRegistration)
		delete(s.Context, ContextKeyLogin)
	}
	s.Touch(m.now())
	m.persist(ctx, s)
	return true
}

// Authenticate binds a user and credential to the conversation. The
// credential is validated with the authority first; nothing is mutated
// unless the authority accepts it. A session is created on demand if the
// conversation has none.
func (m *Manager) Authenticate(ctx context.Context, conversationID, userID, credential string) bool {
	if credential == "" {
		return false
	}
	valid, err := m.validator.Validate(ctx, credential)
	if err != nil {
		m.logger.Warn("credential validation failed",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()))
		return false
	}
	if !valid {
		return false
	}

	unlock := m.locks.Lock(conversationID)
	defer unlock()

	now := m.now()
	s := m.load(ctx, conversationID)
	if s == nil {
		s = New(conversationID, now)
	}
	s.UserID = userID
	s.Credential = credential
	s.Authenticated = true
	s.LastCredCheck = now
	s.Touch(now)
	m.persist(ctx, s)
	return true
}

// End destroys the conversation's session: the authority is informed of
// the logout on a best-effort basis, then the remote record is deleted
// unconditionally. Reports whether a session had existed.
func (m *Manager) End(ctx context.Context, conversationID string) bool {
	unlock := m.locks.Lock(conversationID)
	defer unlock()

	s, err := m.store.Get(ctx, conversationID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		m.logger.Warn("session read failed during end",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()))
	}
	if s != nil {
		m.end(ctx, s)
		return true
	}
	// Delete anyway in case the read failed but a record exists.
	m.delete(ctx, conversationID)
	return false
}

// load fetches and screens a session. Store failures and expired
// records both come back as nil; expiry additionally deletes the remote
// record before anything else happens with the request.
func (m *Manager) load(ctx context.Context, conversationID string) *Session {
	s, err := m.store.Get(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.Warn("session read failed",
				slog.String("conversation_id", conversationID),
				slog.String("error", err.Error()))
		}
		return nil
	}
	if s.Expired(m.now(), m.timeout) {
		m.logger.Info("session expired",
			slog.String("conversation_id", conversationID))
		m.delete(ctx, conversationID)
		return nil
	}
	return s
}

// end notifies the authority and deletes the record. Callers hold the
// conversation lock.
func (m *Manager) end(ctx context.Context, s *Session) {
	if s.IsAuthenticated() && m.notifier != nil {
		if err := m.notifier.Logout(ctx, s.Credential); err != nil {
			m.logger.Warn("logout notification failed",
				slog.String("conversation_id", s.ConversationID),
				slog.String("error", err.Error()))
		}
	}
	m.delete(ctx, s.ConversationID)
}

func (m *Manager) delete(ctx context.Context, conversationID string) {
	if err := m.store.Delete(ctx, conversationID); err != nil && !errors.Is(err, ErrNotFound) {
		m.logger.Warn("session delete failed",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()))
	}
}

func (m *Manager) persist(ctx context.Context, s *Session) {
	if err := m.store.Put(ctx, s); err != nil {
		m.logger.Warn("session write failed",
			slog.String("conversation_id", s.ConversationID),
			slog.String("error", err.Error()))
	}
}
