// Package authflow drives the multi-step registration and login
// dialogue. Each inbound message is dispatched on the conversation's
// current session state; handlers advance or clear the state before
// returning, so a message is acted on at most once.
package authflow

import (
	"context"
	"errors"
	"log/slog"
	"regexp"

	"github.com/convogate/convogate/internal/authority"
	"github.com/convogate/convogate/internal/pkg/keylock"
	"github.com/convogate/convogate/internal/session"
)

// Authority is the slice of the credential authority the dialogue needs.
type Authority interface {
	Register(ctx context.Context, req authority.RegisterRequest) (*authority.User, error)
	Login(ctx context.Context, email, password, conversationID string) (*authority.Token, error)
	Me(ctx context.Context, credential string) (*authority.User, error)
}

// Messenger delivers a text prompt to a conversation.
type Messenger interface {
	SendText(ctx context.Context, conversationID, text string) error
}

// EventPublisher relays domain events to the broker.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload map[string]any) error
}

// Event topics emitted by the dialogue.
const (
	TopicUserRegistered = "user_registered"
	TopicUserLogin      = "user_login"
	TopicUserLogout     = "user_logout"
)

var emailShape = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

const (
	minUsernameLen = 3
	minPasswordLen = 8
)

const (
	promptRegisterEmail = "Please enter your email address to register:"
	promptUsername      = "Great! Now please enter your desired username:"
	promptPassword      = "Perfect! Finally, please enter your password:"
	promptLoginEmail    = "Please enter your email address to login:"
	promptLoginPassword = "Please enter your password:"

	repromptEmail    = "That doesn't look like an email address. Please try again:"
	repromptUsername = "Usernames need at least 3 characters. Please try again:"
	repromptPassword = "Passwords need at least 8 characters. Please try again:"

	msgRegistered     = "Registration successful! You are now logged in."
	msgLoggedIn       = "Login successful! You are now logged in."
	msgLoggedOut      = "You have been logged out successfully."
	msgRegisterFailed = "Sorry, registration didn't go through. Please use /register to start over."
	msgLoginFailed    = "Sorry, that login didn't work. Please use /login to try again."
	msgSessionTrouble = "Your account is ready, but signing you in failed. Please use /login."
	msgSomethingWrong = "Sorry, something went wrong. Please try again later."
)

// Option configures a Flow.
type Option func(*Flow)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Flow) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// Flow is the conversation-scoped authentication state machine. All
// entry points serialize on the conversation ID, holding the lock
// across the whole load-session, run-handler, persist-session span so
// concurrent messages for one conversation cannot interleave.
type Flow struct {
	sessions  *session.Manager
	authority Authority
	messenger Messenger
	events    EventPublisher
	locks     *keylock.Map
	logger    *slog.Logger
}

// New creates the dialogue flow.
func New(sessions *session.Manager, auth Authority, messenger Messenger, events EventPublisher, opts ...Option) *Flow {
	f := &Flow{
		sessions:  sessions,
		authority: auth,
		messenger: messenger,
		events:    events,
		locks:     keylock.New(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// StartRegistration begins the registration dialogue, clearing any prior
// registration input.
func (f *Flow) StartRegistration(ctx context.Context, conversationID string) {
	unlock := f.locks.Lock(conversationID)
	defer unlock()

	f.sessions.GetOrCreate(ctx, conversationID)
	f.sessions.UpdateState(ctx, conversationID, session.StateAwaitingEmail, map[string]any{
		session.ContextKeyRegistration: map[string]any{},
	})
	f.send(ctx, conversationID, promptRegisterEmail)
}

// StartLogin begins the login dialogue.
func (f *Flow) StartLogin(ctx context.Context, conversationID string) {
	unlock := f.locks.Lock(conversationID)
	defer unlock()

	f.sessions.GetOrCreate(ctx, conversationID)
	f.sessions.UpdateState(ctx, conversationID, session.StateAwaitingLoginEmail, map[string]any{
		session.ContextKeyLogin: map[string]any{},
	})
	f.send(ctx, conversationID, promptLoginEmail)
}

// HandleMessage routes one inbound message by the conversation's current
// dialogue state. It reports false when no dialogue is in progress, in
// which case the caller should present the top-level menu instead of
// dropping the message.
func (f *Flow) HandleMessage(ctx context.Context, conversationID, text string) bool {
	unlock := f.locks.Lock(conversationID)
	defer unlock()

	s := f.sessions.GetOrCreate(ctx, conversationID)
	switch s.State {
	case session.StateAwaitingEmail:
		f.registrationEmail(ctx, s, text)
	case session.StateAwaitingUsername:
		f.registrationUsername(ctx, s, text)
	case session.StateAwaitingPassword:
		f.registrationPassword(ctx, s, text)
	case session.StateAwaitingLoginEmail:
		f.loginEmail(ctx, s, text)
	case session.StateAwaitingLoginPassword:
		f.loginPassword(ctx, s, text)
	default:
		return false
	}
	return true
}

// Authenticated reports whether the conversation holds a live
// authenticated session, serialized against in-flight dialogue steps.
func (f *Flow) Authenticated(ctx context.Context, conversationID string) bool {
	unlock := f.locks.Lock(conversationID)
	defer unlock()

	return f.sessions.IsAuthenticated(ctx, conversationID)
}

// Logout ends the conversation's session and confirms to the user.
func (f *Flow) Logout(ctx context.Context, conversationID string) {
	unlock := f.locks.Lock(conversationID)
	defer unlock()

	var userID string
	if s, ok := f.sessions.Get(ctx, conversationID); ok {
		userID = s.UserID
	}
	existed := f.sessions.End(ctx, conversationID)
	if existed && userID != "" {
		f.publish(ctx, TopicUserLogout, map[string]any{
			"user_id":         userID,
			"conversation_id": conversationID,
		})
	}
	f.send(ctx, conversationID, msgLoggedOut)
}

func (f *Flow) registrationEmail(ctx context.Context, s *session.Session, email string) {
	if !emailShape.MatchString(email) {
		f.send(ctx, s.ConversationID, repromptEmail)
		return
	}
	reg := subContext(s, session.ContextKeyRegistration)
	reg["email"] = email
	f.sessions.UpdateState(ctx, s.ConversationID, session.StateAwaitingUsername, map[string]any{
		session.ContextKeyRegistration: reg,
	})
	f.send(ctx, s.ConversationID, promptUsername)
}

func (f *Flow) registrationUsername(ctx context.Context, s *session.Session, username string) {
	if len(username) < minUsernameLen {
		f.send(ctx, s.ConversationID, repromptUsername)
		return
	}
	reg := subContext(s, session.ContextKeyRegistration)
	reg["username"] = username
	f.sessions.UpdateState(ctx, s.ConversationID, session.StateAwaitingPassword, map[string]any{
		session.ContextKeyRegistration: reg,
	})
	f.send(ctx, s.ConversationID, promptPassword)
}

// registrationPassword is the terminal registration step. On any
// authority failure the state clears to none rather than back to
// awaiting-password: the collected context already carried a password
// that failed for reasons the user can't see, so they must restart
// deliberately instead of resubmitting it.
func (f *Flow) registrationPassword(ctx context.Context, s *session.Session, password string) {
	conversationID := s.ConversationID
	if len(password) < minPasswordLen {
		f.send(ctx, conversationID, repromptPassword)
		return
	}

	reg := subContext(s, session.ContextKeyRegistration)
	email, _ := reg["email"].(string)
	username, _ := reg["username"].(string)
	if email == "" || username == "" {
		f.logger.Warn("registration context incomplete at password step",
			slog.String("conversation_id", conversationID))
		f.reset(ctx, conversationID, msgRegisterFailed)
		return
	}

	user, err := f.authority.Register(ctx, authority.RegisterRequest{
		Email:          email,
		Username:       username,
		Password:       password,
		ConversationID: conversationID,
	})
	if err != nil {
		f.logger.Warn("registration rejected",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()))
		var apiErr *authority.APIError
		if errors.As(err, &apiErr) && apiErr.Detail != "" {
			f.reset(ctx, conversationID, "Registration failed: "+apiErr.Detail+" Please use /register to start over.")
		} else {
			f.reset(ctx, conversationID, msgRegisterFailed)
		}
		return
	}

	token, err := f.authority.Login(ctx, email, password, conversationID)
	if err != nil {
		f.logger.Error("post-registration login failed",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()))
		f.reset(ctx, conversationID, msgSessionTrouble)
		return
	}

	if !f.sessions.Authenticate(ctx, conversationID, user.ID, token.AccessToken) {
		f.logger.Error("session authentication failed after registration",
			slog.String("conversation_id", conversationID))
		f.reset(ctx, conversationID, msgSessionTrouble)
		return
	}

	f.sessions.UpdateState(ctx, conversationID, session.StateInitial, nil)

	if ok := f.publish(ctx, TopicUserRegistered, map[string]any{
		"user_id":         user.ID,
		"email":           email,
		"username":        username,
		"conversation_id": conversationID,
	}); ok {
		f.send(ctx, conversationID, msgRegistered)
	}
}

func (f *Flow) loginEmail(ctx context.Context, s *session.Session, email string) {
	if !emailShape.MatchString(email) {
		f.send(ctx, s.ConversationID, repromptEmail)
		return
	}
	login := subContext(s, session.ContextKeyLogin)
	login["email"] = email
	f.sessions.UpdateState(ctx, s.ConversationID, session.StateAwaitingLoginPassword, map[string]any{
		session.ContextKeyLogin: login,
	})
	f.send(ctx, s.ConversationID, promptLoginPassword)
}

func (f *Flow) loginPassword(ctx context.Context, s *session.Session, password string) {
	conversationID := s.ConversationID
	if password == "" {
		f.send(ctx, conversationID, promptLoginPassword)
		return
	}

	login := subContext(s, session.ContextKeyLogin)
	email, _ := login["email"].(string)
	if email == "" {
		f.reset(ctx, conversationID, msgLoginFailed)
		return
	}

	token, err := f.authority.Login(ctx, email, password, conversationID)
	if err != nil {
		f.logger.Info("login rejected",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()))
		f.reset(ctx, conversationID, msgLoginFailed)
		return
	}

	user, err := f.authority.Me(ctx, token.AccessToken)
	if err != nil {
		f.logger.Error("identity lookup failed after login",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()))
		f.reset(ctx, conversationID, msgSomethingWrong)
		return
	}

	if !f.sessions.Authenticate(ctx, conversationID, user.ID, token.AccessToken) {
		f.reset(ctx, conversationID, msgSomethingWrong)
		return
	}

	f.sessions.UpdateState(ctx, conversationID, session.StateInitial, nil)

	if ok := f.publish(ctx, TopicUserLogin, map[string]any{
		"user_id":         user.ID,
		"conversation_id": conversationID,
	}); ok {
		f.send(ctx, conversationID, msgLoggedIn)
	}
}

// reset clears the dialogue state and apologizes. The session record
// itself survives; only the in-progress dialogue is abandoned.
func (f *Flow) reset(ctx context.Context, conversationID, message string) {
	f.sessions.UpdateState(ctx, conversationID, session.StateNone, nil)
	f.send(ctx, conversationID, message)
}

// publish relays an event and reports whether it was delivered. A
// failed publish skips the user-visible confirmation but never rolls
// back the state transition that already happened.
func (f *Flow) publish(ctx context.Context, topic string, payload map[string]any) bool {
	if err := f.events.Publish(ctx, topic, payload); err != nil {
		f.logger.Error("event publish failed",
			slog.String("topic", topic),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

func (f *Flow) send(ctx context.Context, conversationID, text string) {
	if err := f.messenger.SendText(ctx, conversationID, text); err != nil {
		f.logger.Warn("message send failed",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()))
	}
}

// subContext returns the named nested context map, or a fresh one.
func subContext(s *session.Session, key string) map[string]any {
	if m, ok := s.Context[key].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
