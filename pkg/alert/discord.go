package alert

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/sentinelpi/sentinel/internal/config"
)

// Discord posts alerts to a Discord webhook as colored embeds.
type Discord struct {
	cfg    config.DiscordConfig
	client *http.Client
	minSev Severity
}

func NewDiscord(cfg config.DiscordConfig) *Discord {
	return &Discord{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		minSev: ParseSeverity(cfg.MinSeverity),
	}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Enabled() bool { return d.cfg.Enabled && d.cfg.WebhookURL != "" }

func (d *Discord) MinSeverity() Severity { return d.minSev }

func (d *Discord) Aggregates() bool {
	return d.cfg.Aggregate == nil || *d.cfg.Aggregate
}

func (d *Discord) Send(ctx context.Context, group *Aggregated) error {
	var embed map[string]any
	if p := group.Single(); p != nil {
		embed = d.alertEmbed(p)
	} else {
		embed = d.digestEmbed(group)
	}

	payload := map[string]any{
		"embeds": []map[string]any{embed},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send discord webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("discord webhook status %d", resp.StatusCode)
	}
	return nil
}

// alertEmbed renders one alert with its metadata as embed fields.
func (d *Discord) alertEmbed(p *Payload) map[string]any {
	desc := p.Summary
	if r := []rune(desc); len(r) > 2000 {
		desc = string(r[:2000]) + "..."
	}

	var fields []map[string]any
	if p.SourceName != "" {
		fields = append(fields, map[string]any{"name": "Source", "value": p.SourceName, "inline": true})
	}
	if p.FilterName != "" {
		fields = append(fields, map[string]any{"name": "Filtre", "value": p.FilterName, "inline": true})
	}
	if p.Author != "" {
		fields = append(fields, map[string]any{"name": "Auteur", "value": p.Author, "inline": true})
	}

	embed := map[string]any{
		"title":       embedTitle(fmt.Sprintf("%s %s", p.Severity.Emoji(), p.Title)),
		"description": desc,
		"color":       p.Severity.intColor(),
		"timestamp":   p.CreatedAt.UTC().Format(time.RFC3339),
	}
	if p.URL != "" {
		embed["url"] = p.URL
	}
	if len(fields) > 0 {
		embed["fields"] = fields
	}
	return embed
}

// digestEmbed renders an aggregated window as one embed with a link per
// item, capped at ten entries.
func (d *Discord) digestEmbed(group *Aggregated) map[string]any {
	var links []string
	limit := 10
	if len(group.Items) < limit {
		limit = len(group.Items)
	}
	for i := range group.Items[:limit] {
		p := &group.Items[i]
		if p.URL != "" {
			links = append(links, fmt.Sprintf("• [%s](%s) [%s]", p.Title, p.URL, p.SourceName))
		} else {
			links = append(links, fmt.Sprintf("• %s [%s]", p.Title, p.SourceName))
		}
	}
	if rest := len(group.Items) - limit; rest > 0 {
		links = append(links, fmt.Sprintf("... et %d autres alertes", rest))
	}

	desc := strings.Join(links, "\n")
	if name := group.FilterName(); name != "" {
		desc = fmt.Sprintf("**Filtre:** %s\n\n%s", name, desc)
	}

	sev := group.Key.Severity
	return map[string]any{
		"title":       embedTitle(fmt.Sprintf("%s %s (%d alertes)", sev.Emoji(), sev.Label(), len(group.Items))),
		"description": desc,
		"color":       sev.intColor(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}
}

// embedTitle keeps titles under Discord's 256-character embed limit.
func embedTitle(s string) string {
	r := []rune(s)
	if len(r) <= 256 {
		return s
	}
	return string(r[:253]) + "..."
}
