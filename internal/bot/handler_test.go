package bot

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/convogate/convogate/internal/chat"
)

type fakeDialogue struct {
	registrations []string
	logins        []string
	logouts       []string
	handled       bool
	messages      []string
	authenticated bool
}

func (d *fakeDialogue) StartRegistration(_ context.Context, id string) {
	d.registrations = append(d.registrations, id)
}

func (d *fakeDialogue) StartLogin(_ context.Context, id string) {
	d.logins = append(d.logins, id)
}

func (d *fakeDialogue) HandleMessage(_ context.Context, id, text string) bool {
	d.messages = append(d.messages, text)
	return d.handled
}

func (d *fakeDialogue) Logout(_ context.Context, id string) {
	d.logouts = append(d.logouts, id)
}

func (d *fakeDialogue) Authenticated(context.Context, string) bool {
	return d.authenticated
}

type fakeMessenger struct {
	texts    []string
	menus    []string
	buttons  []chat.Button
	answered []string
}

func (m *fakeMessenger) SendText(_ context.Context, _, text string) error {
	m.texts = append(m.texts, text)
	return nil
}

func (m *fakeMessenger) SendTextWithButtons(_ context.Context, _, text string, buttons []chat.Button) error {
	m.menus = append(m.menus, text)
	m.buttons = buttons
	return nil
}

func (m *fakeMessenger) AnswerCallbackQuery(_ context.Context, id string) error {
	m.answered = append(m.answered, id)
	return nil
}

func newTestHandler() (*Handler, *fakeDialogue, *fakeMessenger) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	flow := &fakeDialogue{}
	msgr := &fakeMessenger{}
	return NewHandler(flow, msgr, WithLogger(quiet)), flow, msgr
}

func deliver(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/webhook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func messageUpdate(text string) string {
	return `{"update_id":1,"message":{"chat":{"id":42},"text":"` + text + `"}}`
}

func TestWebhookAcknowledges(t *testing.T) {
	h, _, _ := newTestHandler()
	rec := deliver(t, h, messageUpdate("/start"))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %#v", body)
	}
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	h, _, _ := newTestHandler()
	rec := deliver(t, h, `{not json`)
	if rec.Code != 400 {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestStartShowsMenu(t *testing.T) {
	h, _, msgr := newTestHandler()
	deliver(t, h, messageUpdate("/start"))

	if len(msgr.menus) != 1 || msgr.menus[0] != msgWelcome {
		t.Fatalf("menus = %v", msgr.menus)
	}
	if len(msgr.buttons) != 3 || msgr.buttons[0].Data != actionRegister {
		t.Errorf("buttons = %+v", msgr.buttons)
	}
}

func TestStartWhenAuthenticated(t *testing.T) {
	h, flow, msgr := newTestHandler()
	flow.authenticated = true
	deliver(t, h, messageUpdate("/start"))

	if len(msgr.menus) != 0 {
		t.Errorf("no menu expected, got %v", msgr.menus)
	}
	if len(msgr.texts) != 1 || msgr.texts[0] != msgWelcomeBack {
		t.Errorf("texts = %v", msgr.texts)
	}
}

func TestCommandRouting(t *testing.T) {
	h, flow, _ := newTestHandler()

	deliver(t, h, messageUpdate("/register"))
	deliver(t, h, messageUpdate("/login"))
	deliver(t, h, messageUpdate("/logout"))

	if len(flow.registrations) != 1 || flow.registrations[0] != "42" {
		t.Errorf("registrations = %v", flow.registrations)
	}
	if len(flow.logins) != 1 {
		t.Errorf("logins = %v", flow.logins)
	}
	if len(flow.logouts) != 1 {
		t.Errorf("logouts = %v", flow.logouts)
	}
}

func TestUnknownCommandShowsHelp(t *testing.T) {
	h, _, msgr := newTestHandler()
	deliver(t, h, messageUpdate("/frobnicate"))

	if len(msgr.texts) != 1 || msgr.texts[0] != msgHelp {
		t.Errorf("texts = %v", msgr.texts)
	}
}

func TestFreeTextGoesToDialogue(t *testing.T) {
	h, flow, msgr := newTestHandler()
	flow.handled = true
	deliver(t, h, messageUpdate("u@x.com"))

	if len(flow.messages) != 1 || flow.messages[0] != "u@x.com" {
		t.Fatalf("messages = %v", flow.messages)
	}
	if len(msgr.menus) != 0 {
		t.Errorf("handled message must not trigger the menu, got %v", msgr.menus)
	}
}

func TestFreeTextWithoutDialogueShowsMenuHint(t *testing.T) {
	h, flow, msgr := newTestHandler()
	flow.handled = false
	deliver(t, h, messageUpdate("hello there"))

	if len(flow.messages) != 1 {
		t.Fatalf("dialogue should still be offered the message first")
	}
	if len(msgr.menus) != 1 || msgr.menus[0] != msgMenuHint {
		t.Errorf("menus = %v", msgr.menus)
	}
}

func TestCallbackQueryRouting(t *testing.T) {
	h, flow, msgr := newTestHandler()
	deliver(t, h, `{"update_id":2,"callback_query":{"id":"cb-1","data":"login","message":{"chat":{"id":42},"text":"menu"}}}`)

	if len(msgr.answered) != 1 || msgr.answered[0] != "cb-1" {
		t.Errorf("answered = %v", msgr.answered)
	}
	if len(flow.logins) != 1 || flow.logins[0] != "42" {
		t.Errorf("logins = %v", flow.logins)
	}
}

func TestCallbackWithoutMessageIsOnlyAcknowledged(t *testing.T) {
	h, flow, msgr := newTestHandler()
	deliver(t, h, `{"update_id":3,"callback_query":{"id":"cb-2","data":"register"}}`)

	if len(msgr.answered) != 1 {
		t.Errorf("answered = %v", msgr.answered)
	}
	if len(flow.registrations) != 0 {
		t.Errorf("registrations = %v, want none without a chat to reply to", flow.registrations)
	}
}
