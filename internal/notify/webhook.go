package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	defaultWebhookRetries = 3
	userAgent             = "errtally/1"
)

// WebhookEnvelope is the JSON payload POSTed to the webhook endpoint
type WebhookEnvelope struct {
	Type          string       `json:"type"`
	SchemaVersion string       `json:"schemaVersion"`
	Timestamp     string       `json:"timestamp"`
	Data          Notification `json:"data"`
}

// WebhookConfig configures a WebhookMailer
type WebhookConfig struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int
	// InitialInterval is the first retry delay; later ones grow exponentially
	InitialInterval time.Duration
}

// WebhookMailer POSTs notifications as JSON to an HTTP endpoint, typically a
// mail relay. 5xx responses and transport errors are retried with
// exponential backoff; 4xx responses are not.
type WebhookMailer struct {
	httpClient *http.Client
	logger     *zap.Logger
	url        string
	maxRetries int
	initial    time.Duration
}

// NewWebhookMailer validates cfg and creates a WebhookMailer
func NewWebhookMailer(logger *zap.Logger, cfg WebhookConfig) (*WebhookMailer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webhook URL must use http or https scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("webhook URL must include a host")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = defaultWebhookRetries
	}
	initial := cfg.InitialInterval
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}

	return &WebhookMailer{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("webhook-mailer"),
		url:        cfg.URL,
		maxRetries: retries,
		initial:    initial,
	}, nil
}

// Name implements Mailer
func (m *WebhookMailer) Name() string { return "webhook" }

// Send implements Mailer
func (m *WebhookMailer) Send(ctx context.Context, n Notification) error {
	if len(n.Recipients) == 0 {
		return nil
	}

	body, err := json.Marshal(WebhookEnvelope{
		Type:          "errtally.problem.created",
		SchemaVersion: "1",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Data:          n,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook envelope: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.initial

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, m.post(ctx, body)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(m.maxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.Warn("webhook delivery failed, retrying",
				zap.String("problem_id", n.ProblemID),
				zap.Duration("next", next),
				zap.Error(err))
		}),
	)
	return err
}

func (m *WebhookMailer) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
	}
}
