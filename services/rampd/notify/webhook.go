package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"cryptoramp/observability"
)

// SignatureHeader carries the hex HMAC-SHA512 of the request body.
const SignatureHeader = "X-Ramp-Signature"

const webhookSink = "webhook"

// WebhookNotifier POSTs events as signed JSON to a fixed endpoint. Delivery is
// best effort: failures are logged and counted, never returned.
type WebhookNotifier struct {
	url     string
	secret  []byte
	client  *http.Client
	limiter *rate.Limiter
	users   *UserLimiter
	logger  *slog.Logger
	now     func() time.Time
}

// WebhookOption customises the webhook notifier.
type WebhookOption func(*WebhookNotifier)

// WithWebhookClient overrides the HTTP client.
func WithWebhookClient(client *http.Client) WebhookOption {
	return func(w *WebhookNotifier) {
		if client != nil {
			w.client = client
		}
	}
}

// WithWebhookRate throttles outbound deliveries. A non-positive rate disables the limiter.
func WithWebhookRate(perSecond float64, burst int) WebhookOption {
	return func(w *WebhookNotifier) {
		if perSecond <= 0 {
			w.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithUserLimiter caps non-terminal deliveries per user.
func WithUserLimiter(l *UserLimiter) WebhookOption {
	return func(w *WebhookNotifier) { w.users = l }
}

// WithWebhookLogger sets the logger used for delivery failures.
func WithWebhookLogger(logger *slog.Logger) WebhookOption {
	return func(w *WebhookNotifier) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWebhookNotifier constructs a notifier for endpoint.
func NewWebhookNotifier(endpoint, secret string, opts ...WebhookOption) (*WebhookNotifier, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	w := &WebhookNotifier{
		url:     trimmed,
		secret:  []byte(secret),
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(20), 10),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Sign returns the hex HMAC-SHA512 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha512.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(secret, body []byte, signature string) bool {
	decoded, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, secret)
	mac.Write(body)
	return hmac.Equal(decoded, mac.Sum(nil))
}

func (w *WebhookNotifier) Notify(ctx context.Context, ev Event) {
	if err := w.Deliver(ctx, ev); err != nil {
		observability.Events().RecordFailure(webhookSink)
		w.logger.WarnContext(ctx, "webhook delivery failed",
			slog.String("transaction_id", ev.TransactionID),
			slog.String("status", string(ev.Status)),
			slog.Any("error", err))
	}
}

// Deliver sends a single event and reports the outcome.
func (w *WebhookNotifier) Deliver(ctx context.Context, ev Event) error {
	if !ev.Terminal && w.users != nil && !w.users.Allow(ev.UserID, w.now()) {
		observability.Events().RecordDropped(webhookSink)
		return nil
	}
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("webhook rate limiter: %w", err)
		}
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if len(w.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(w.secret, body))
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded with status %d", resp.StatusCode)
	}
	observability.Events().RecordDelivered(webhookSink, string(ev.Status))
	return nil
}
