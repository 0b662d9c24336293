package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	SignatureHeader = "X-Medify-Signature"
	EventTypeHeader = "X-Medify-Event"
)

// WebhookPublisher POSTs each event as JSON to a fixed list of endpoints.
// Bodies are signed with HMAC-SHA256 when a secret is configured.
type WebhookPublisher struct {
	endpoints []string
	secret    string
	client    *http.Client
}

type WebhookOption func(*WebhookPublisher)

// WithHTTPClient overrides the default client, which times out after 5s.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(p *WebhookPublisher) { p.client = c }
}

func NewWebhookPublisher(endpoints []string, secret string, opts ...WebhookOption) (*WebhookPublisher, error) {
	p := &WebhookPublisher{
		secret: secret,
		client: &http.Client{Timeout: 5 * time.Second},
	}
	for _, raw := range endpoints {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if err := validateEndpoint(raw); err != nil {
			return nil, err
		}
		p.endpoints = append(p.endpoints, raw)
	}
	if len(p.endpoints) == 0 {
		return nil, fmt.Errorf("webhook publisher needs at least one endpoint")
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func validateEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url %q: %w", raw, err)
	}
	if s := strings.ToLower(u.Scheme); (s != "http" && s != "https") || u.Host == "" {
		return fmt.Errorf("webhook url %q must be absolute http or https", raw)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a header value produced by the publisher.
func VerifySignature(payload []byte, secret, header string) bool {
	expected := "sha256=" + Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(header))
}

// Publish delivers to every endpoint once. Failures are collected, not
// retried.
func (p *WebhookPublisher) Publish(ctx context.Context, evt Event) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var errs []error
	for _, endpoint := range p.endpoints {
		if err := p.deliver(ctx, endpoint, evt, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *WebhookPublisher) deliver(ctx context.Context, endpoint string, evt Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("webhook %s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventTypeHeader, string(evt.Type))
	req.Header.Set("Idempotency-Key", evt.ID)
	if p.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(payload, p.secret))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: non-2xx response: %d", endpoint, resp.StatusCode)
	}
	return nil
}

func (p *WebhookPublisher) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// Multi fans an event out to several publishers.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt Event) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
