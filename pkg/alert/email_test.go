package alert

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sentinelpi/sentinel/internal/config"
)

func TestEmailSubject(t *testing.T) {
	e := NewEmail(config.EmailConfig{})
	subject := e.subject(sampleGroup(samplePayload()))
	assert.Equal(t, "[SentinelPi] 🚨 CRITICAL: Reactor restart announced", subject)

	t.Run("custom template", func(t *testing.T) {
		e := NewEmail(config.EmailConfig{SubjectTemplate: "{severity} from {source_name}: {title}"})
		subject := e.subject(sampleGroup(samplePayload()))
		assert.Equal(t, "CRITICAL from Example News: Reactor restart announced", subject)
	})

	t.Run("long titles are capped", func(t *testing.T) {
		p := samplePayload()
		p.Title = strings.Repeat("a", 80)
		e := NewEmail(config.EmailConfig{SubjectTemplate: "{title}"})
		subject := e.subject(sampleGroup(p))
		assert.Len(t, []rune(subject), 60)
		assert.True(t, strings.HasSuffix(subject, "..."))
	})

	t.Run("digest counts alerts", func(t *testing.T) {
		e := NewEmail(config.EmailConfig{SubjectTemplate: "{title}"})
		subject := e.subject(sampleGroup(samplePayload(), samplePayload()))
		assert.Equal(t, "2 alertes: nuclear watch", subject)
	})
}

func TestEmailBuildMessage(t *testing.T) {
	e := NewEmail(config.EmailConfig{
		From:       "station@example.com",
		Recipients: []string{"a@example.com", "b@example.com"},
	})
	msg := e.buildMessage(sampleGroup(samplePayload()))

	assert.Contains(t, msg, "From: SentinelPi <station@example.com>\r\n")
	assert.Contains(t, msg, "To: a@example.com, b@example.com\r\n")
	assert.Contains(t, msg, "MIME-Version: 1.0\r\n")
	assert.Contains(t, msg, "Content-Type: multipart/alternative; boundary=")
	assert.Contains(t, msg, "Content-Type: text/plain; charset=UTF-8")
	assert.Contains(t, msg, "Content-Type: text/html; charset=UTF-8")
	assert.True(t, strings.HasSuffix(msg, "--\r\n"), "message ends with the closing boundary")
}

func TestEmailTextBody(t *testing.T) {
	e := NewEmail(config.EmailConfig{})

	single := e.textBody(sampleGroup(samplePayload()))
	assert.Contains(t, single, "🚨 CRITICAL")
	assert.Contains(t, single, "Reactor restart announced")
	assert.Contains(t, single, "Source: Example News")
	assert.Contains(t, single, "Lien: https://news.example.com/reactor")

	p2 := samplePayload()
	p2.Title = "Second item"
	digest := e.textBody(sampleGroup(samplePayload(), p2))
	assert.Contains(t, digest, "(2 alertes)")
	assert.Contains(t, digest, "1. Reactor restart announced")
	assert.Contains(t, digest, "2. Second item")
}

func TestEmailHTMLBodyEscapes(t *testing.T) {
	p := samplePayload()
	p.Title = `<script>alert("x")</script>`
	e := NewEmail(config.EmailConfig{})

	html := e.htmlBody(sampleGroup(p))
	assert.NotContains(t, html, "<script>")
	assert.Contains(t, html, "&lt;script&gt;")
}

func TestEscapeHTML(t *testing.T) {
	assert.Equal(t, "a&amp;b &lt;c&gt; &quot;d&quot;<br>e", escapeHTML("a&b <c> \"d\"\ne"))
}

func TestEmailEnabled(t *testing.T) {
	full := config.EmailConfig{
		Enabled:    true,
		SMTPHost:   "smtp.example.com",
		Username:   "u",
		Password:   "p",
		Recipients: []string{"a@example.com"},
	}
	assert.True(t, NewEmail(full).Enabled())

	noRcpt := full
	noRcpt.Recipients = nil
	assert.False(t, NewEmail(noRcpt).Enabled())

	noHost := full
	noHost.SMTPHost = ""
	assert.False(t, NewEmail(noHost).Enabled())
}

func TestEmailFromDefaultsToUsername(t *testing.T) {
	e := NewEmail(config.EmailConfig{Username: "station@example.com"})
	assert.Equal(t, "station@example.com", e.cfg.From)
}
