package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/sentinelpi/sentinel/internal/config"
)

// webhookAlert is the wire shape of one alert. Aggregated sends wrap a
// list of these under "alerts"; single sends post the object bare.
type webhookAlert struct {
	ID           string `json:"id"`
	Severity     string `json:"severity"`
	Title        string `json:"title"`
	URL          string `json:"url,omitempty"`
	SourceName   string `json:"source_name,omitempty"`
	Summary      string `json:"summary,omitempty"`
	TimestampISO string `json:"timestamp_iso"`
}

func toWebhookAlert(p *Payload) webhookAlert {
	return webhookAlert{
		ID:           p.AlertID,
		Severity:     p.Severity.String(),
		Title:        p.Title,
		URL:          p.URL,
		SourceName:   p.SourceName,
		Summary:      p.Summary,
		TimestampISO: p.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// Webhook posts alerts to a generic HTTP endpoint, optionally signing
// the body so the receiver can verify origin.
type Webhook struct {
	cfg    config.WebhookConfig
	client *http.Client
	minSev Severity
}

func NewWebhook(cfg config.WebhookConfig) *Webhook {
	return &Webhook{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		minSev: ParseSeverity(cfg.MinSeverity),
	}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Enabled() bool { return w.cfg.Enabled && w.cfg.URL != "" }

func (w *Webhook) MinSeverity() Severity { return w.minSev }

func (w *Webhook) Aggregates() bool {
	return w.cfg.Aggregate == nil || *w.cfg.Aggregate
}

func (w *Webhook) Send(ctx context.Context, group *Aggregated) error {
	var doc any
	if p := group.Single(); p != nil {
		doc = toWebhookAlert(p)
	} else {
		alerts := make([]webhookAlert, len(group.Items))
		for i := range group.Items {
			alerts[i] = toWebhookAlert(&group.Items[i])
		}
		doc = map[string]any{"alerts": alerts}
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "SentinelPi/1.0")

	// HMAC signature for verification.
	if w.cfg.Secret != "" {
		mac := hmac.New(sha256.New, []byte(w.cfg.Secret))
		mac.Write(body)
		sig := hex.EncodeToString(mac.Sum(nil))
		req.Header.Set("X-Signature-256", "sha256="+sig)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
