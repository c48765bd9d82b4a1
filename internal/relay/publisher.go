package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
)

// Option configures the publisher.
type Option func(*Publisher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(p *Publisher) {
		p.httpClient = httpClient
	}
}

// WithMaxAttempts overrides the retry budget.
func WithMaxAttempts(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithBaseDelay overrides the backoff base delay.
func WithBaseDelay(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.baseDelay = d
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Publisher delivers enveloped events to the broker's /send endpoint.
// Delivery is at-least-once within a bounded retry budget; an exhausted
// budget surfaces the last error to the caller, never silently.
type Publisher struct {
	baseURL     string
	origin      string
	httpClient  *http.Client
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewPublisher creates a publisher for the broker at baseURL. origin is
// the service tag stamped on every envelope.
func NewPublisher(baseURL, origin string, opts ...Option) *Publisher {
	p := &Publisher{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		origin:      origin,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.httpClient == nil {
		p.httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return p
}

// brokerMessage is the broker's /send request shape. The envelope rides
// JSON-encoded in content; user_id is the broker's routing hint.
type brokerMessage struct {
	UserID  string `json:"user_id"`
	Content string `json:"content"`
	Service string `json:"service"`
}

// Publish wraps the payload in an envelope and delivers it, retrying
// transport failures with exponential backoff (base × 2^(attempt−1)).
func (p *Publisher) Publish(ctx context.Context, topic string, payload map[string]any) error {
	env := newEnvelope(topic, p.origin, payload, p.now())

	content, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope for topic %s: %w", topic, err)
	}
	userID := env.UserID
	if userID == "" {
		userID = "unknown"
	}
	body, err := json.Marshal(brokerMessage{
		UserID:  userID,
		Content: string(content),
		Service: p.origin,
	})
	if err != nil {
		return fmt.Errorf("encode broker message for topic %s: %w", topic, err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		lastErr = p.send(ctx, body)
		if lastErr == nil {
			if attempt > 1 {
				p.logger.Info("event published after retry",
					slog.String("topic", topic),
					slog.String("event_id", env.ID),
					slog.Int("attempt", attempt))
			}
			return nil
		}

		p.logger.Warn("event publish attempt failed",
			slog.String("topic", topic),
			slog.String("event_id", env.ID),
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()))

		if attempt == p.maxAttempts {
			break
		}
		delay := p.baseDelay << (attempt - 1)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("publish %s: %w", topic, ctx.Err())
		}
	}

	return fmt.Errorf("publish %s after %d attempts: %w", topic, p.maxAttempts, lastErr)
}

func (p *Publisher) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("broker returned status %d: %s", resp.StatusCode, string(respBody))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
