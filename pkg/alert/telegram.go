package alert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/sentinelpi/sentinel/internal/config"
	"github.com/sentinelpi/sentinel/internal/logging"
)

const telegramMaxMessage = 4096

// markdownEscaper escapes everything Telegram's legacy Markdown parser
// treats as formatting. Escaped text renders literally.
var markdownEscaper = strings.NewReplacer(
	"_", "\\_", "*", "\\*", "[", "\\[", "]", "\\]",
	"(", "\\(", ")", "\\)", "~", "\\~", "`", "\\`",
	">", "\\>", "#", "\\#", "+", "\\+", "-", "\\-",
	"=", "\\=", "|", "\\|", "{", "\\{", "}", "\\}",
	".", "\\.", "!", "\\!",
)

func escapeMarkdown(s string) string { return markdownEscaper.Replace(s) }

// Telegram delivers alerts to a chat through the Bot API.
type Telegram struct {
	cfg     config.TelegramConfig
	client  *http.Client
	baseURL string
	minSev  Severity
}

// NewTelegram builds the channel from its config block. A channel
// enabled without credentials stays inert and logs a warning.
func NewTelegram(cfg config.TelegramConfig) *Telegram {
	if cfg.Enabled && (cfg.BotToken == "" || cfg.ChatID == "") {
		logging.Warn().Msg("telegram channel enabled but bot_token or chat_id is missing")
	}
	return &Telegram{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: "https://api.telegram.org",
		minSev:  ParseSeverity(cfg.MinSeverity),
	}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Enabled() bool {
	return t.cfg.Enabled && t.cfg.BotToken != "" && t.cfg.ChatID != ""
}

func (t *Telegram) MinSeverity() Severity { return t.minSev }

func (t *Telegram) Aggregates() bool {
	return t.cfg.Aggregate == nil || *t.cfg.Aggregate
}

// MinGap spaces messages to one chat; the Bot API throttles around 30
// messages per second.
func (t *Telegram) MinGap() time.Duration {
	return time.Duration(t.cfg.RateLimitMS) * time.Millisecond
}

type telegramRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
	DisableNotification   bool   `json:"disable_notification,omitempty"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (t *Telegram) Send(ctx context.Context, group *Aggregated) error {
	payload := telegramRequest{
		ChatID:                t.cfg.ChatID,
		Text:                  t.message(group),
		ParseMode:             "Markdown",
		DisableWebPagePreview: t.cfg.DisableWebPagePreview,
		DisableNotification:   t.cfg.DisableNotification,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()

	var api telegramResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&api); err != nil {
		return fmt.Errorf("decode telegram response: %w", err)
	}
	if api.OK {
		return nil
	}
	return telegramError(api)
}

// telegramError classifies the Bot API error response.
func telegramError(api telegramResponse) error {
	switch {
	case api.ErrorCode == 401:
		return fmt.Errorf("telegram auth failed: %s", api.Description)
	case api.ErrorCode == 400:
		return fmt.Errorf("telegram rejected message: %s", api.Description)
	case api.ErrorCode == 429:
		if api.Parameters != nil && api.Parameters.RetryAfter > 0 {
			return fmt.Errorf("telegram rate limited, retry after %ds", api.Parameters.RetryAfter)
		}
		return fmt.Errorf("telegram rate limited: %s", api.Description)
	case api.ErrorCode >= 500:
		return fmt.Errorf("telegram server error %d: %s", api.ErrorCode, api.Description)
	default:
		return fmt.Errorf("telegram error %d: %s", api.ErrorCode, api.Description)
	}
}

func (t *Telegram) message(group *Aggregated) string {
	if p := group.Single(); p != nil {
		return t.single(p)
	}
	return t.digest(group)
}

func (t *Telegram) single(p *Payload) string {
	lines := []string{
		fmt.Sprintf("%s *%s*", p.Severity.Emoji(), p.Severity.Label()),
		"",
		fmt.Sprintf("📰 *%s*", escapeMarkdown(p.Title)),
	}
	if p.SourceName != "" {
		lines = append(lines, fmt.Sprintf("📌 Source: %s", escapeMarkdown(p.SourceName)))
	}
	if p.PublishedAt != nil {
		lines = append(lines, fmt.Sprintf("🕐 %s", p.PublishedRelative()))
	}
	if p.Summary != "" {
		summary := p.Summary
		if r := []rune(summary); len(r) > 500 {
			summary = string(r[:500]) + "..."
		}
		lines = append(lines, "", escapeMarkdown(summary))
	}
	if p.FilterName != "" {
		lines = append(lines, "", fmt.Sprintf("🎯 Filtre: %s", escapeMarkdown(p.FilterName)))
	}
	if p.URL != "" {
		lines = append(lines, "", fmt.Sprintf("🔗 [Lire l'article](%s)", p.URL))
	}
	return truncateMessage(strings.Join(lines, "\n"))
}

// digest renders an aggregated window as one message, capped at ten
// entries.
func (t *Telegram) digest(group *Aggregated) string {
	lines := []string{
		fmt.Sprintf("%s *%s* (%d alertes)", group.Key.Severity.Emoji(), group.Key.Severity.Label(), len(group.Items)),
	}
	if name := group.FilterName(); name != "" {
		lines = append(lines, fmt.Sprintf("🎯 Filtre: %s", escapeMarkdown(name)))
	}

	shown := group.Items
	if len(shown) > 10 {
		shown = shown[:10]
	}
	for i := range shown {
		p := &shown[i]
		lines = append(lines, "", fmt.Sprintf("📰 *%s*", escapeMarkdown(p.Title)))
		if p.SourceName != "" {
			meta := fmt.Sprintf("📌 %s", escapeMarkdown(p.SourceName))
			if p.PublishedAt != nil {
				meta += fmt.Sprintf(" · %s", p.PublishedRelative())
			}
			lines = append(lines, meta)
		}
		if p.URL != "" {
			lines = append(lines, fmt.Sprintf("🔗 [Lire l'article](%s)", p.URL))
		}
	}
	if rest := len(group.Items) - len(shown); rest > 0 {
		lines = append(lines, "", fmt.Sprintf("_... et %d autres alertes_", rest))
	}
	return truncateMessage(strings.Join(lines, "\n"))
}

// truncateMessage keeps the text under the Bot API limit, marking the
// cut in the message itself.
func truncateMessage(msg string) string {
	r := []rune(msg)
	if len(r) <= telegramMaxMessage {
		return msg
	}
	return string(r[:telegramMaxMessage-100]) + "\n\n_(message tronqué)_"
}
