// Package bot translates Telegram webhook updates into dialogue
// actions. It owns command routing; the actual conversation state lives
// behind the Dialogue interface.
package bot

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/convogate/convogate/internal/chat"
)

// Dialogue is the authentication conversation the handler drives.
type Dialogue interface {
	StartRegistration(ctx context.Context, conversationID string)
	StartLogin(ctx context.Context, conversationID string)
	HandleMessage(ctx context.Context, conversationID, text string) bool
	Logout(ctx context.Context, conversationID string)
	Authenticated(ctx context.Context, conversationID string) bool
}

// Messenger sends replies back to the chat.
type Messenger interface {
	SendText(ctx context.Context, conversationID, text string) error
	SendTextWithButtons(ctx context.Context, conversationID, text string, buttons []chat.Button) error
	AnswerCallbackQuery(ctx context.Context, callbackQueryID string) error
}

// Callback data values the menu buttons carry.
const (
	actionStart    = "start"
	actionRegister = "register"
	actionLogin    = "login"
	actionLogout   = "logout"
	actionHelp     = "help"
)

const (
	msgWelcome     = "Welcome! Use the buttons below to register or log in."
	msgWelcomeBack = "Welcome back! You are logged in."
	msgHelp        = "Commands:\n/register - create an account\n/login - sign in\n/logout - sign out\n/help - this message"
	msgMenuHint    = "I didn't catch that. Use the buttons below or /help."
)

// Telegram webhook payload. Only the fields the bot reads.
type update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *message       `json:"message"`
	CallbackQuery *callbackQuery `json:"callback_query"`
}

type message struct {
	Chat chatRef `json:"chat"`
	Text string  `json:"text"`
}

type chatRef struct {
	ID int64 `json:"id"`
}

type callbackQuery struct {
	ID      string   `json:"id"`
	Data    string   `json:"data"`
	Message *message `json:"message"`
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// Handler serves the Telegram webhook endpoint.
type Handler struct {
	flow      Dialogue
	messenger Messenger
	logger    *slog.Logger
}

// NewHandler creates the webhook handler.
func NewHandler(flow Dialogue, messenger Messenger, opts ...Option) *Handler {
	h := &Handler{
		flow:      flow,
		messenger: messenger,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP handles one webhook delivery. Telegram redelivers anything
// that does not come back 200, so processing failures are logged and
// acknowledged rather than surfaced.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var u update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		http.Error(w, "invalid update payload", http.StatusBadRequest)
		return
	}

	switch {
	case u.CallbackQuery != nil:
		h.handleCallback(r.Context(), u.CallbackQuery)
	case u.Message != nil:
		h.handleMessage(r.Context(), u.Message)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) handleMessage(ctx context.Context, msg *message) {
	conversationID := strconv.FormatInt(msg.Chat.ID, 10)
	text := strings.TrimSpace(msg.Text)

	switch {
	case text == "/start":
		h.start(ctx, conversationID)
	case text == "/help":
		h.reply(ctx, conversationID, msgHelp)
	case text == "/register":
		h.flow.StartRegistration(ctx, conversationID)
	case text == "/login":
		h.flow.StartLogin(ctx, conversationID)
	case text == "/logout":
		h.flow.Logout(ctx, conversationID)
	case strings.HasPrefix(text, "/"):
		h.reply(ctx, conversationID, msgHelp)
	default:
		if h.flow.HandleMessage(ctx, conversationID, text) {
			return
		}
		h.menu(ctx, conversationID, msgMenuHint)
	}
}

func (h *Handler) handleCallback(ctx context.Context, cq *callbackQuery) {
	if err := h.messenger.AnswerCallbackQuery(ctx, cq.ID); err != nil {
		h.logger.Warn("callback ack failed",
			slog.String("callback_id", cq.ID),
			slog.String("error", err.Error()))
	}
	if cq.Message == nil {
		return
	}
	conversationID := strconv.FormatInt(cq.Message.Chat.ID, 10)

	switch cq.Data {
	case actionStart:
		h.start(ctx, conversationID)
	case actionRegister:
		h.flow.StartRegistration(ctx, conversationID)
	case actionLogin:
		h.flow.StartLogin(ctx, conversationID)
	case actionLogout:
		h.flow.Logout(ctx, conversationID)
	case actionHelp:
		h.reply(ctx, conversationID, msgHelp)
	default:
		h.logger.Warn("unknown callback action",
			slog.String("data", cq.Data))
	}
}

func (h *Handler) start(ctx context.Context, conversationID string) {
	if h.flow.Authenticated(ctx, conversationID) {
		h.reply(ctx, conversationID, msgWelcomeBack)
		return
	}
	h.menu(ctx, conversationID, msgWelcome)
}

func (h *Handler) menu(ctx context.Context, conversationID, text string) {
	err := h.messenger.SendTextWithButtons(ctx, conversationID, text, []chat.Button{
		{Label: "Register", Data: actionRegister},
		{Label: "Login", Data: actionLogin},
		{Label: "Help", Data: actionHelp},
	})
	if err != nil {
		h.logger.Warn("menu send failed",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()))
	}
}

func (h *Handler) reply(ctx context.Context, conversationID, text string) {
	if err := h.messenger.SendText(ctx, conversationID, text); err != nil {
		h.logger.Warn("reply send failed",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()))
	}
}
