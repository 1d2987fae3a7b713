// Package webhook delivers SHL access events to an external endpoint.
// Payloads are signed with HMAC-SHA256 so the receiver can verify origin.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event is the JSON body posted to the endpoint for one manifest access.
type Event struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	ShlID       string    `json:"shlId"`
	AccessCount int       `json:"accessCount"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventTypeAccess is the only event type emitted today.
const EventTypeAccess = "shl.access"

// NotifierConfig configures a Notifier.
type NotifierConfig struct {
	// URL receives signed POST requests.
	URL string

	// Secret signs each payload. Required.
	Secret string

	// MaxRetries bounds re-delivery after a failed attempt. Zero means
	// no retries.
	MaxRetries int

	// Client overrides the default HTTP client. Optional.
	Client *http.Client

	Logger zerolog.Logger
}

// Notifier posts signed access events to a single endpoint.
type Notifier struct {
	url        string
	secret     string
	maxRetries int
	client     *http.Client
	log        zerolog.Logger
}

// NewNotifier validates the endpoint URL and builds a Notifier.
func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	parsed, err := url.Parse(cfg.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("webhook: invalid url %q", cfg.URL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("webhook: unsupported scheme %q", parsed.Scheme)
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("webhook: secret is required")
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Notifier{
		url:        cfg.URL,
		secret:     cfg.Secret,
		maxRetries: cfg.MaxRetries,
		client:     client,
		log:        cfg.Logger,
	}, nil
}

// SignPayload computes the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by SignPayload in constant
// time.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Notify posts one event, retrying failed deliveries up to MaxRetries
// times. The last error is returned when every attempt fails.
func (n *Notifier) Notify(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Type == "" {
		event.Type = EventTypeAccess
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}
	sig := SignPayload(payload, n.secret)

	var lastErr error
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		lastErr = n.deliver(ctx, payload, sig, event.ID)
		if lastErr == nil {
			return nil
		}
		n.log.Warn().Err(lastErr).
			Str("event_id", event.ID).
			Int("attempt", attempt+1).
			Msg("webhook delivery failed")
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func (n *Notifier) deliver(ctx context.Context, payload []byte, sig, eventID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+sig)
	req.Header.Set("X-Webhook-Event-ID", eventID)
	req.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: non-2xx response: %d", resp.StatusCode)
	}
	return nil
}
