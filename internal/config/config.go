// Package config loads the station configuration.
//
// Two files drive the process: config.yaml (app, scheduler, database,
// logging, sources, filters) and alerts.yaml (notification channels).
// Defaults are layered first, then the file, then environment overrides.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	App         AppConfig         `koanf:"app"`
	Logging     LoggingConfig     `koanf:"logging"`
	Database    DatabaseConfig    `koanf:"database"`
	Scheduler   SchedulerConfig   `koanf:"scheduler"`
	Transport   TransportConfig   `koanf:"transport"`
	Dedup       DedupConfig       `koanf:"dedup"`
	Scoring     ScoringConfig     `koanf:"scoring"`
	Preferences PreferencesConfig `koanf:"preferences"`
	Server      ServerConfig      `koanf:"server"`
	Sources     []SourceConfig    `koanf:"sources"`
	Filters     []FilterConfig    `koanf:"filters"`

	// Alerts is loaded from the separate alerts file, not config.yaml.
	Alerts AlertsConfig `koanf:"-"`
}

// AppConfig identifies the station.
type AppConfig struct {
	Name       string `koanf:"name"`
	AlertsFile string `koanf:"alerts_file"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// DatabaseConfig configures SQLite storage.
type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// SchedulerConfig configures the collection driver loop.
type SchedulerConfig struct {
	Enabled      bool   `koanf:"enabled"`
	TickInterval string `koanf:"tick_interval"`
	MaxParallel  int    `koanf:"max_parallel"`
	MaxBackoff   string `koanf:"max_backoff"`
	CycleTimeout string `koanf:"cycle_timeout"`
}

// ParseTickInterval returns the tick interval as a duration.
func (s SchedulerConfig) ParseTickInterval() time.Duration {
	return parseDuration(s.TickInterval, 30*time.Second)
}

// ParseMaxBackoff returns the backoff cap as a duration.
func (s SchedulerConfig) ParseMaxBackoff() time.Duration {
	return parseDuration(s.MaxBackoff, 6*time.Hour)
}

// ParseCycleTimeout returns the per-source cycle deadline.
func (s SchedulerConfig) ParseCycleTimeout() time.Duration {
	return parseDuration(s.CycleTimeout, 5*time.Minute)
}

// TransportConfig configures the shared HTTP client.
type TransportConfig struct {
	Timeout   string `koanf:"timeout"`
	Retries   int    `koanf:"retries"`
	UserAgent string `koanf:"user_agent"`
}

// ParseTimeout returns the per-request timeout.
func (t TransportConfig) ParseTimeout() time.Duration {
	return parseDuration(t.Timeout, 30*time.Second)
}

// DedupConfig configures deduplication behavior.
type DedupConfig struct {
	// CrossSource controls what happens when two sources yield the same
	// content hash: "off" (keep both), "mark" (store with duplicate_of
	// set), "reject" (drop the second).
	CrossSource string `koanf:"cross_source"`
}

// ScoringConfig holds the scorer weights.
type ScoringConfig struct {
	Base           float64 `koanf:"base"`
	RecencyWeight  float64 `koanf:"recency_weight"`
	PriorityWeight float64 `koanf:"priority_weight"`
	QualityWeight  float64 `koanf:"quality_weight"`
	HighlightBonus float64 `koanf:"highlight_bonus"`
	HalfLifeHours  float64 `koanf:"half_life_hours"`
}

// PreferencesConfig configures the preference learner.
type PreferencesConfig struct {
	Enabled              bool    `koanf:"enabled"`
	LearningRate         float64 `koanf:"learning_rate"`
	DecayHalfLifeDays    float64 `koanf:"decay_half_life_days"`
	MinActionsRequired   int     `koanf:"min_actions_required"`
	MaxPreferenceScore   float64 `koanf:"max_preference_score"`
	MaxFeaturesPerAction int     `koanf:"max_features_per_action"`
}

// ServerConfig configures the status HTTP API.
type ServerConfig struct {
	Enabled bool   `koanf:"enabled"`
	Listen  string `koanf:"listen"`
}

// SourceConfig declares a monitored source. Declared sources are upserted
// into the registry at startup; the derived ID makes this idempotent.
type SourceConfig struct {
	Name            string         `koanf:"name"`
	Type            string         `koanf:"type"`
	URL             string         `koanf:"url"`
	Enabled         *bool          `koanf:"enabled"`
	IntervalMinutes int            `koanf:"interval_minutes"`
	Priority        int            `koanf:"priority"`
	Category        string         `koanf:"category"`
	Config          map[string]any `koanf:"config"`
}

// IsEnabled applies the enabled-by-default rule.
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// FilterConfig declares one filter rule.
type FilterConfig struct {
	Name          string         `koanf:"name"`
	Enabled       *bool          `koanf:"enabled"`
	Priority      int            `koanf:"priority"`
	Action        string         `koanf:"action"`
	Conditions    map[string]any `koanf:"conditions"`
	ScoreModifier float64        `koanf:"score_modifier"`
	ActionParams  map[string]any `koanf:"action_params"`
}

// IsEnabled applies the enabled-by-default rule.
func (f FilterConfig) IsEnabled() bool {
	return f.Enabled == nil || *f.Enabled
}

// AlertsConfig configures the dispatcher and its channels. Loaded from
// alerts.yaml with env overrides for secrets.
type AlertsConfig struct {
	AggregationWindowSeconds int `yaml:"aggregation_window_seconds"`

	Telegram TelegramConfig `yaml:"telegram"`
	Email    EmailConfig    `yaml:"email"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Discord  DiscordConfig  `yaml:"discord"`
	Desktop  DesktopConfig  `yaml:"desktop"`
}

// AggregationWindow returns the rolling window duration.
func (a AlertsConfig) AggregationWindow() time.Duration {
	if a.AggregationWindowSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(a.AggregationWindowSeconds) * time.Second
}

// TelegramConfig for the Telegram Bot API channel.
type TelegramConfig struct {
	Enabled               bool   `yaml:"enabled"`
	MinSeverity           string `yaml:"min_severity"`
	BotToken              string `yaml:"bot_token"`
	ChatID                string `yaml:"chat_id"`
	DisableWebPagePreview bool   `yaml:"disable_web_page_preview"`
	DisableNotification   bool   `yaml:"disable_notification"`
	Aggregate             *bool  `yaml:"aggregate"`
	RateLimitMS           int    `yaml:"rate_limit_ms"`
}

// EmailConfig for the SMTP channel.
type EmailConfig struct {
	Enabled         bool     `yaml:"enabled"`
	MinSeverity     string   `yaml:"min_severity"`
	SMTPHost        string   `yaml:"smtp_host"`
	SMTPPort        int      `yaml:"smtp_port"`
	StartTLS        bool     `yaml:"starttls"`
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`
	From            string   `yaml:"from"`
	Recipients      []string `yaml:"recipients"`
	SubjectTemplate string   `yaml:"subject_template"`
	Aggregate       *bool    `yaml:"aggregate"`
}

// WebhookConfig for the generic JSON webhook channel.
type WebhookConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MinSeverity string `yaml:"min_severity"`
	URL         string `yaml:"url"`
	Secret      string `yaml:"secret"`
	Aggregate   *bool  `yaml:"aggregate"`
}

// DiscordConfig for the Discord webhook variant.
type DiscordConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MinSeverity string `yaml:"min_severity"`
	WebhookURL  string `yaml:"webhook_url"`
	Aggregate   *bool  `yaml:"aggregate"`
}

// DesktopConfig for local notify-send notifications.
type DesktopConfig struct {
	Enabled      bool   `yaml:"enabled"`
	MinSeverity  string `yaml:"min_severity"`
	ExpireTimeMS int    `yaml:"expire_time_ms"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:       "SentinelPi",
			AlertsFile: "alerts.yaml",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Database: DatabaseConfig{Path: "./data/sentinel.db"},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			TickInterval: "30s",
			MaxParallel:  4,
			MaxBackoff:   "6h",
			CycleTimeout: "5m",
		},
		Transport: TransportConfig{
			Timeout:   "30s",
			Retries:   3,
			UserAgent: "SentinelPi/1.0 (self-hosted monitoring station)",
		},
		Dedup: DedupConfig{CrossSource: "mark"},
		Scoring: ScoringConfig{
			Base:           50,
			RecencyWeight:  20,
			PriorityWeight: 10,
			QualityWeight:  10,
			HighlightBonus: 30,
			HalfLifeHours:  24,
		},
		Preferences: PreferencesConfig{
			Enabled:              true,
			LearningRate:         0.1,
			DecayHalfLifeDays:    30,
			MinActionsRequired:   20,
			MaxPreferenceScore:   25,
			MaxFeaturesPerAction: 10,
		},
		Server: ServerConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8090",
		},
	}
}

// DefaultAlerts returns the alerts configuration defaults. All channels
// start disabled; alerts.yaml or env vars enable them.
func DefaultAlerts() AlertsConfig {
	return AlertsConfig{
		AggregationWindowSeconds: 60,
		Telegram: TelegramConfig{
			MinSeverity: "notice",
			RateLimitMS: 100,
		},
		Email: EmailConfig{
			MinSeverity:     "warning",
			SMTPHost:        "smtp.gmail.com",
			SMTPPort:        587,
			StartTLS:        true,
			SubjectTemplate: "[SentinelPi] {severity_emoji} {severity}: {title}",
		},
		Webhook: WebhookConfig{MinSeverity: "notice"},
		Discord: DiscordConfig{MinSeverity: "notice"},
		Desktop: DesktopConfig{
			MinSeverity:  "notice",
			ExpireTimeMS: 10000,
		},
	}
}

// envKeys maps environment variables to config keys. Unmapped variables
// are ignored by the env provider.
var envKeys = map[string]string{
	"SENTINEL_LOG_LEVEL":     "logging.level",
	"SENTINEL_LOG_FORMAT":    "logging.format",
	"SENTINEL_DB_PATH":       "database.path",
	"SENTINEL_SERVER_LISTEN": "server.listen",
	"SENTINEL_ALERTS_FILE":   "app.alerts_file",
}

// Load reads config.yaml (if present), layers defaults, file values and
// environment overrides, then loads the alerts file it names.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return envKeys[s]
	}), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	alertsPath := cfg.App.AlertsFile
	if alertsPath != "" && !filepath.IsAbs(alertsPath) && path != "" {
		alertsPath = filepath.Join(filepath.Dir(path), alertsPath)
	}
	alerts, err := LoadAlerts(alertsPath)
	if err != nil {
		return nil, err
	}
	cfg.Alerts = alerts

	normalize(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAlerts reads the per-channel alert configuration. A missing file is
// not an error: channels stay at their defaults (disabled) unless env
// secrets enable them.
func LoadAlerts(path string) (AlertsConfig, error) {
	cfg := DefaultAlerts()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yamlv3.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse alerts %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return cfg, fmt.Errorf("read alerts %s: %w", path, err)
		}
	}

	applyAlertEnvOverrides(&cfg)
	return cfg, nil
}

// applyAlertEnvOverrides overrides channel secrets from the environment.
func applyAlertEnvOverrides(cfg *AlertsConfig) {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("EMAIL_USER"); v != "" {
		cfg.Email.Username = v
	}
	if v := os.Getenv("EMAIL_PASSWORD"); v != "" {
		cfg.Email.Password = v
	}
}

// normalize fills the per-entry defaults that list merging cannot.
func normalize(cfg *Config) {
	for i := range cfg.Sources {
		s := &cfg.Sources[i]
		if s.IntervalMinutes == 0 {
			s.IntervalMinutes = 60
		}
		if s.Priority == 0 {
			s.Priority = 2
		}
	}
	for i := range cfg.Filters {
		f := &cfg.Filters[i]
		if f.Action == "" {
			f.Action = "highlight"
		}
	}
	if cfg.Scheduler.MaxParallel <= 0 {
		cfg.Scheduler.MaxParallel = 4
	}
}

var (
	validSourceTypes = map[string]bool{
		"rss": true, "reddit": true, "youtube": true,
		"web": true, "mastodon": true, "custom": true,
	}
	validActions = map[string]bool{
		"highlight": true, "exclude": true, "tag": true, "alert": true,
	}
	validSeverities = map[string]bool{
		"info": true, "notice": true, "warning": true, "critical": true,
	}
	validCrossSource = map[string]bool{
		"off": true, "mark": true, "reject": true,
	}
)

// Validate rejects configurations the station cannot run with. These are
// startup-fatal by design.
func (c *Config) Validate() error {
	if !validCrossSource[c.Dedup.CrossSource] {
		return fmt.Errorf("dedup.cross_source: unknown mode %q", c.Dedup.CrossSource)
	}

	for _, s := range c.Sources {
		if s.Name == "" || s.URL == "" {
			return fmt.Errorf("source %q: name and url are required", s.Name)
		}
		if !validSourceTypes[s.Type] {
			return fmt.Errorf("source %q: unknown type %q", s.Name, s.Type)
		}
		if s.IntervalMinutes < 1 {
			return fmt.Errorf("source %q: interval_minutes must be >= 1", s.Name)
		}
		if s.Priority < 1 || s.Priority > 3 {
			return fmt.Errorf("source %q: priority must be 1..3", s.Name)
		}
	}

	for _, f := range c.Filters {
		if f.Name == "" {
			return fmt.Errorf("filter with empty name")
		}
		if !validActions[f.Action] {
			return fmt.Errorf("filter %q: unknown action %q", f.Name, f.Action)
		}
	}

	for name, sev := range map[string]string{
		"telegram": c.Alerts.Telegram.MinSeverity,
		"email":    c.Alerts.Email.MinSeverity,
		"webhook":  c.Alerts.Webhook.MinSeverity,
		"discord":  c.Alerts.Discord.MinSeverity,
		"desktop":  c.Alerts.Desktop.MinSeverity,
	} {
		if sev != "" && !validSeverities[sev] {
			return fmt.Errorf("alerts.%s: unknown min_severity %q", name, sev)
		}
	}

	if c.Server.Enabled {
		if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
			return fmt.Errorf("server.listen %q: %w", c.Server.Listen, err)
		}
	}

	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
