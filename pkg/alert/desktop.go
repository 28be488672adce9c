package alert

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/sentinelpi/sentinel/internal/config"
	"github.com/sentinelpi/sentinel/internal/logging"
)

// Desktop shows alerts as libnotify notifications through notify-send.
// The channel disables itself when the binary is not on PATH, so a
// headless install can leave it enabled in config without errors.
type Desktop struct {
	cfg    config.DesktopConfig
	path   string
	minSev Severity
}

func NewDesktop(cfg config.DesktopConfig) *Desktop {
	path, err := exec.LookPath("notify-send")
	if err != nil {
		path = ""
		if cfg.Enabled {
			logging.Warn().Msg("desktop notifications enabled but notify-send not found")
		}
	}
	return &Desktop{cfg: cfg, path: path, minSev: ParseSeverity(cfg.MinSeverity)}
}

func (d *Desktop) Name() string { return "desktop" }

func (d *Desktop) Enabled() bool { return d.cfg.Enabled && d.path != "" }

func (d *Desktop) MinSeverity() Severity { return d.minSev }

// Aggregates is false: one notification bubble per alert.
func (d *Desktop) Aggregates() bool { return false }

func (d *Desktop) Send(ctx context.Context, group *Aggregated) error {
	for i := range group.Items {
		if err := d.notify(ctx, &group.Items[i]); err != nil {
			return err
		}
	}
	return nil
}

func (d *Desktop) notify(ctx context.Context, p *Payload) error {
	urgency := "normal"
	switch p.Severity {
	case SeverityInfo:
		urgency = "low"
	case SeverityCritical:
		urgency = "critical"
	}

	title := fmt.Sprintf("%s SentinelPi - %s", p.Severity.Emoji(), p.Severity.Label())
	body := p.Title
	if p.SourceName != "" {
		body += "\n" + p.SourceName
	}
	if p.Summary != "" {
		summary := p.Summary
		if r := []rune(summary); len(r) > 200 {
			summary = string(r[:200])
		}
		body += "\n" + summary
	}

	expire := d.cfg.ExpireTimeMS
	if expire <= 0 {
		expire = 10000
	}

	cmd := exec.CommandContext(ctx, d.path,
		"--urgency", urgency,
		"--expire-time", strconv.Itoa(expire),
		"--icon", "dialog-information",
		"--app-name", "SentinelPi",
		title, body,
	)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run notify-send: %w", err)
	}
	return nil
}
