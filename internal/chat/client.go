// Package chat is a minimal Telegram Bot API client covering the calls
// the bot makes: sending messages, with or without an inline keyboard,
// and acknowledging callback queries.
package chat

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

const (
	defaultBaseURL = "https://api.telegram.org"
	defaultTimeout = 10 * time.Second
)

// Option configures the client.
type Option func(*Client)

// WithBaseURL points the client at a different API host, used by tests.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout overrides the default request timeout. Ignored when a
// custom HTTP client is supplied.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// Client talks to the Telegram Bot API for a single bot token.
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient creates a client for the given bot token.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		baseURL: defaultBaseURL,
		token:   token,
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

// Button is one inline keyboard button. Data comes back verbatim in the
// callback query when the user taps it.
type Button struct {
	Label string
	Data  string
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type inlineKeyboard struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

// SendText delivers a plain text message to the chat.
func (c *Client) SendText(ctx context.Context, conversationID, text string) error {
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id": conversationID,
		"text":    text,
	})
}

// SendTextWithButtons delivers a message with an inline keyboard, one
// button per row.
func (c *Client) SendTextWithButtons(ctx context.Context, conversationID, text string, buttons []Button) error {
	keyboard := inlineKeyboard{InlineKeyboard: make([][]inlineButton, 0, len(buttons))}
	for _, b := range buttons {
		keyboard.InlineKeyboard = append(keyboard.InlineKeyboard, []inlineButton{
			{Text: b.Label, CallbackData: b.Data},
		})
	}
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id":      conversationID,
		"text":         text,
		"reply_markup": keyboard,
	})
}

// AnswerCallbackQuery acknowledges a button tap so the client stops
// showing its progress indicator.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackQueryID string) error {
	return c.call(ctx, "answerCallbackQuery", map[string]any{
		"callback_query_id": callbackQueryID,
	})
}

// apiResponse is the Bot API's uniform response wrapper.
type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (c *Client) call(ctx context.Context, method string, params map[string]any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	var out apiResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("decode %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if !out.OK {
		return fmt.Errorf("%s rejected (status %d): %s", method, resp.StatusCode, out.Description)
	}
	return nil
}
