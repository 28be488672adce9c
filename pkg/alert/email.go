package alert

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/sentinelpi/sentinel/internal/config"
	"github.com/sentinelpi/sentinel/internal/logging"
)

// htmlEscaper escapes user text for the HTML body. Newlines become
// <br> so summaries keep their line structure.
var htmlEscaper = strings.NewReplacer(
	"&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "\n", "<br>",
)

func escapeHTML(s string) string { return htmlEscaper.Replace(s) }

// Email delivers alerts over SMTP as multipart/alternative messages
// with a plain-text and an HTML rendering.
type Email struct {
	cfg    config.EmailConfig
	minSev Severity
}

func NewEmail(cfg config.EmailConfig) *Email {
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.Enabled && (cfg.Username == "" || cfg.Password == "" || len(cfg.Recipients) == 0) {
		logging.Warn().Msg("email channel enabled but credentials or recipients are missing")
	}
	return &Email{cfg: cfg, minSev: ParseSeverity(cfg.MinSeverity)}
}

func (e *Email) Name() string { return "email" }

func (e *Email) Enabled() bool {
	return e.cfg.Enabled && e.cfg.SMTPHost != "" &&
		e.cfg.Username != "" && e.cfg.Password != "" && len(e.cfg.Recipients) > 0
}

func (e *Email) MinSeverity() Severity { return e.minSev }

func (e *Email) Aggregates() bool {
	return e.cfg.Aggregate == nil || *e.cfg.Aggregate
}

func (e *Email) Send(ctx context.Context, group *Aggregated) error {
	msg := e.buildMessage(group)
	if err := e.sendSMTP(ctx, msg); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

// buildMessage renders the full RFC 2822 message, headers included.
func (e *Email) buildMessage(group *Aggregated) string {
	var msg strings.Builder
	boundary := fmt.Sprintf("boundary_%d", time.Now().UnixNano())

	msg.WriteString(fmt.Sprintf("From: SentinelPi <%s>\r\n", e.cfg.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(e.cfg.Recipients, ", ")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", e.subject(group))))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q\r\n", boundary))
	msg.WriteString("\r\n")

	msg.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(e.textBody(group))
	msg.WriteString("\r\n")

	msg.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(e.htmlBody(group))
	msg.WriteString("\r\n")

	msg.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	return msg.String()
}

// subject expands the configured template. Titles are capped at 60
// characters so the subject stays scannable.
func (e *Email) subject(group *Aggregated) string {
	sev := group.Key.Severity
	title := group.Headline()
	if r := []rune(title); len(r) > 60 {
		title = string(r[:57]) + "..."
	}
	source := ""
	if len(group.Items) > 0 {
		source = group.Items[0].SourceName
	}

	tmpl := e.cfg.SubjectTemplate
	if tmpl == "" {
		tmpl = "[SentinelPi] {severity_emoji} {severity}: {title}"
	}
	return strings.NewReplacer(
		"{severity}", sev.Label(),
		"{severity_emoji}", sev.Emoji(),
		"{title}", title,
		"{source_name}", source,
	).Replace(tmpl)
}

func (e *Email) htmlBody(group *Aggregated) string {
	sev := group.Key.Severity
	color := sev.hexColor()

	parts := []string{
		`<!DOCTYPE html>`,
		`<html><head><meta charset="utf-8"></head>`,
		`<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">`,
		fmt.Sprintf(`<div style="background: %s; color: white; padding: 15px 20px; border-radius: 8px 8px 0 0;">`, color),
	}
	if p := group.Single(); p != nil {
		parts = append(parts,
			fmt.Sprintf(`<h2 style="margin: 0;">%s %s</h2>`, sev.Emoji(), sev.Label()),
			`</div>`,
			`<div style="border: 1px solid #ddd; border-top: none; padding: 20px; border-radius: 0 0 8px 8px;">`,
		)
		parts = append(parts, e.htmlAlert(p, color)...)
	} else {
		parts = append(parts,
			fmt.Sprintf(`<h2 style="margin: 0;">%s %s (%d alertes)</h2>`, sev.Emoji(), sev.Label(), len(group.Items)),
			`</div>`,
			`<div style="border: 1px solid #ddd; border-top: none; padding: 20px; border-radius: 0 0 8px 8px;">`,
		)
		if name := group.FilterName(); name != "" {
			parts = append(parts, fmt.Sprintf(`<p style="color: #666;">🎯 Filtre: %s</p>`, escapeHTML(name)))
		}
		for i := range group.Items {
			p := &group.Items[i]
			parts = append(parts, `<div style="margin-bottom: 15px; padding-bottom: 15px; border-bottom: 1px solid #eee;">`)
			parts = append(parts, fmt.Sprintf(`<h3 style="margin: 0 0 5px 0; color: #333;">%s</h3>`, escapeHTML(p.Title)))
			meta := escapeHTML(p.SourceName)
			if p.PublishedAt != nil {
				meta += " · " + p.PublishedRelative()
			}
			parts = append(parts, fmt.Sprintf(`<p style="margin: 0; color: #666; font-size: 13px;">%s</p>`, meta))
			if p.URL != "" {
				parts = append(parts, fmt.Sprintf(`<a href="%s" style="color: %s;">🔗 Lire l'article</a>`, p.URL, color))
			}
			parts = append(parts, `</div>`)
		}
	}
	parts = append(parts,
		`</div>`,
		`<div style="text-align: center; margin-top: 20px; color: #999; font-size: 12px;">`,
		`<p>Envoyé par SentinelPi - Station de veille automatisée</p>`,
		`</div>`,
		`</body></html>`,
	)
	return strings.Join(parts, "\n")
}

// htmlAlert renders the single-alert detail block: metadata table,
// content box, link button.
func (e *Email) htmlAlert(p *Payload, color string) []string {
	parts := []string{
		fmt.Sprintf(`<h3 style="margin-top: 0; color: #333;">%s</h3>`, escapeHTML(p.Title)),
		`<table style="width: 100%; border-collapse: collapse; margin-bottom: 15px;">`,
	}
	row := func(label, value string) string {
		return fmt.Sprintf(`<tr><td style="padding: 5px 0; color: #666;">%s</td><td style="padding: 5px 0;">%s</td></tr>`, label, value)
	}
	if p.SourceName != "" {
		parts = append(parts, row("📌 Source:", escapeHTML(p.SourceName)))
	}
	if p.Author != "" {
		parts = append(parts, row("✍️ Auteur:", escapeHTML(p.Author)))
	}
	if p.PublishedAt != nil {
		parts = append(parts, row("🕐 Date:", fmt.Sprintf("%s (%s)", p.PublishedFormatted(), p.PublishedRelative())))
	}
	if p.FilterName != "" {
		parts = append(parts, row("🎯 Filtre:", escapeHTML(p.FilterName)))
	}
	parts = append(parts, `</table>`)

	content := p.Content
	if content == "" {
		content = p.Summary
	}
	if content != "" {
		if r := []rune(content); len(r) > 2000 {
			content = string(r[:2000]) + "..."
		}
		parts = append(parts, fmt.Sprintf(
			`<div style="background: #f8f9fa; padding: 15px; border-radius: 4px; margin: 15px 0;">%s</div>`,
			escapeHTML(content)))
	}
	if p.URL != "" {
		parts = append(parts, fmt.Sprintf(
			`<a href="%s" style="display: inline-block; background: %s; color: white; padding: 10px 20px; text-decoration: none; border-radius: 4px; margin-top: 10px;">🔗 Lire l'article</a>`,
			p.URL, color))
	}
	return parts
}

func (e *Email) textBody(group *Aggregated) string {
	sev := group.Key.Severity
	var lines []string

	if p := group.Single(); p != nil {
		lines = []string{
			fmt.Sprintf("%s %s", sev.Emoji(), sev.Label()),
			strings.Repeat("=", 50),
			"",
			p.Title,
			"",
		}
		if p.SourceName != "" {
			lines = append(lines, fmt.Sprintf("Source: %s", p.SourceName))
		}
		if p.Author != "" {
			lines = append(lines, fmt.Sprintf("Auteur: %s", p.Author))
		}
		if p.PublishedAt != nil {
			lines = append(lines, fmt.Sprintf("Date: %s", p.PublishedFormatted()))
		}
		if p.FilterName != "" {
			lines = append(lines, fmt.Sprintf("Filtre: %s", p.FilterName))
		}
		lines = append(lines, "")
		if p.Summary != "" {
			lines = append(lines, p.Summary, "")
		}
		if p.URL != "" {
			lines = append(lines, fmt.Sprintf("Lien: %s", p.URL), "")
		}
	} else {
		lines = []string{
			fmt.Sprintf("%s %s (%d alertes)", sev.Emoji(), sev.Label(), len(group.Items)),
			strings.Repeat("=", 50),
			"",
		}
		if name := group.FilterName(); name != "" {
			lines = append(lines, fmt.Sprintf("Filtre: %s", name), "")
		}
		for i := range group.Items {
			p := &group.Items[i]
			lines = append(lines, fmt.Sprintf("%d. %s", i+1, p.Title))
			if p.SourceName != "" {
				lines = append(lines, fmt.Sprintf("   Source: %s", p.SourceName))
			}
			if p.URL != "" {
				lines = append(lines, fmt.Sprintf("   Lien: %s", p.URL))
			}
			lines = append(lines, "")
		}
	}

	lines = append(lines,
		strings.Repeat("-", 50),
		"SentinelPi - Station de veille automatisée",
	)
	return strings.Join(lines, "\n")
}

// sendSMTP performs the SMTP conversation. The context deadline set by
// the dispatcher bounds both the dial and the protocol exchange.
func (e *Email) sendSMTP(ctx context.Context, msg string) error {
	addr := fmt.Sprintf("%s:%d", e.cfg.SMTPHost, e.cfg.SMTPPort)

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, e.cfg.SMTPHost)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer client.Close()

	if e.cfg.StartTLS {
		tlsCfg := &tls.Config{
			ServerName: e.cfg.SMTPHost,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsCfg); err != nil {
			return fmt.Errorf("start tls: %w", err)
		}
	}

	if e.cfg.Username != "" && e.cfg.Password != "" {
		auth := smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.SMTPHost)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(e.cfg.From); err != nil {
		return fmt.Errorf("set sender: %w", err)
	}
	for _, rcpt := range e.cfg.Recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("set recipient %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("open data: %w", err)
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}
	return client.Quit()
}
