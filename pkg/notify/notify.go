package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/dsrlabs/bastion/pkg/log"
)

// Notifier is the fire-and-forget alert channel. Implementations must
// never block the caller on delivery problems; failures are logged, not
// returned.
type Notifier interface {
	Notify(ctx context.Context, subject, message string, metadata map[string]string)
}

// LogNotifier writes alerts to the structured log. The default channel
// when no webhook is configured.
type LogNotifier struct{}

func (n *LogNotifier) Notify(ctx context.Context, subject, message string, metadata map[string]string) {
	event := log.WithComponent("notify").Warn().Str("subject", subject)
	for k, v := range metadata {
		event = event.Str(k, v)
	}
	event.Msg(message)
}

// WebhookNotifier posts alerts as JSON to an HTTP endpoint
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook-backed notifier
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookPayload struct {
	Subject  string            `json:"subject"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
	SentAt   time.Time         `json:"sentAt"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, subject, message string, metadata map[string]string) {
	body, err := json.Marshal(webhookPayload{
		Subject:  subject,
		Message:  message,
		Metadata: metadata,
		SentAt:   time.Now(),
	})
	if err != nil {
		log.WithComponent("notify").Error().Err(err).Msg("failed to encode alert")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		log.WithComponent("notify").Error().Err(err).Msg("failed to build alert request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		log.WithComponent("notify").Warn().Err(err).Str("subject", subject).Msg("alert delivery failed")
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.WithComponent("notify").Warn().
			Int("status", resp.StatusCode).
			Str("subject", subject).
			Msg("alert endpoint rejected delivery")
	}
}

// Limited wraps a notifier with a token bucket so alert storms collapse
// to the configured rate instead of hammering the channel
type Limited struct {
	inner   Notifier
	limiter *rate.Limiter
}

// NewLimited creates a rate-limited notifier allowing perMinute alerts
// with a burst of the same size
func NewLimited(inner Notifier, perMinute int) *Limited {
	if perMinute <= 0 {
		perMinute = 10
	}
	return &Limited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
	}
}

func (n *Limited) Notify(ctx context.Context, subject, message string, metadata map[string]string) {
	if !n.limiter.Allow() {
		log.WithComponent("notify").Debug().Str("subject", subject).Msg("alert dropped by rate limit")
		return
	}
	n.inner.Notify(ctx, subject, message, metadata)
}

// Multi fans an alert out to several channels
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, subject, message string, metadata map[string]string) {
	for _, n := range m {
		n.Notify(ctx, subject, message, metadata)
	}
}
