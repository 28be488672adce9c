// Package store persists sources, items, filters, alerts, user feedback
// and preference weights in a single SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/sentinelpi/sentinel/pkg/source"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Alert states.
const (
	AlertPending    = "pending"
	AlertDelivered  = "delivered"
	AlertSuppressed = "suppressed"
	AlertFailed     = "failed"
)

// Filter is the persisted form of a filter rule. Conditions and
// ActionParams are stored as raw JSON; the engine compiles its own
// representation from config.
type Filter struct {
	ID            string    `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	Enabled       bool      `db:"enabled" json:"enabled"`
	Priority      int       `db:"priority" json:"priority"`
	Action        string    `db:"action" json:"action"`
	Conditions    string    `db:"conditions" json:"-"`
	ScoreModifier float64   `db:"score_modifier" json:"score_modifier"`
	ActionParams  string    `db:"action_params" json:"-"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// Delivery records one channel attempt for an alert.
type Delivery struct {
	Channel string    `json:"channel"`
	OK      bool      `json:"ok"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

// Alert is a staged notification for one item/filter match.
type Alert struct {
	ID       string `db:"id" json:"id"`
	ItemID   string `db:"item_id" json:"item_id"`
	FilterID string `db:"filter_id" json:"filter_id"`
	Severity string `db:"severity" json:"severity"`
	State    string `db:"state" json:"state"`

	DeliveredChannels []Delivery `db:"-" json:"delivered_channels"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`

	DeliveredJSON string `db:"delivered_channels" json:"-"`
}

// UserAction is one append-only feedback event.
type UserAction struct {
	ID        int64     `db:"id" json:"id"`
	User      string    `db:"user" json:"user"`
	ItemID    string    `db:"item_id" json:"item_id"`
	Kind      string    `db:"kind" json:"kind"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Preference is one learned feature weight.
type Preference struct {
	FeatureType   string    `db:"feature_type" json:"feature_type"`
	FeatureValue  string    `db:"feature_value" json:"feature_value"`
	Weight        float64   `db:"weight" json:"weight"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
	DecayAnchorAt time.Time `db:"decay_anchor_at" json:"decay_anchor_at"`
}

// CollectionLog records the outcome of one collection cycle.
type CollectionLog struct {
	ID             int64     `db:"id" json:"id"`
	SourceID       string    `db:"source_id" json:"source_id"`
	Success        bool      `db:"success" json:"success"`
	ItemsCollected int       `db:"items_collected" json:"items_collected"`
	ItemsNew       int       `db:"items_new" json:"items_new"`
	Error          string    `db:"error" json:"error,omitempty"`
	DurationMS     int64     `db:"duration_ms" json:"duration_ms"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Cycle is everything one collection cycle writes. CommitCycle applies it
// in a single transaction so a crash never records items without the
// matching source health update or log line.
type Cycle struct {
	Source *source.Source
	Items  []source.Item
	Alerts []Alert
	Log    CollectionLog
}

// Stats reports row counts and the database size.
type Stats struct {
	Sources        int   `json:"sources"`
	Items          int   `json:"items"`
	Alerts         int   `json:"alerts"`
	Actions        int   `json:"actions"`
	Preferences    int   `json:"preferences"`
	CollectionLogs int   `json:"collection_logs"`
	DatabaseBytes  int64 `json:"database_bytes"`
}

// ListOpts controls item listing.
type ListOpts struct {
	SourceID string
	Status   string
	Since    time.Time
	Limit    int
	// ByScore orders by relevance instead of collection time.
	ByScore bool
}

// Store is the persistence interface.
type Store interface {
	UpsertSource(ctx context.Context, src *source.Source) error
	GetSource(ctx context.Context, id string) (*source.Source, error)
	ListSources(ctx context.Context) ([]source.Source, error)
	ListEnabledSources(ctx context.Context) ([]source.Source, error)
	DeleteSource(ctx context.Context, id string) error

	UpsertFilter(ctx context.Context, f *Filter) error
	ListFilters(ctx context.Context) ([]Filter, error)

	ItemExists(ctx context.Context, sourceID, guid string) (bool, error)
	FindByContentHash(ctx context.Context, hash string) (string, error)
	GetItem(ctx context.Context, id string) (*source.Item, error)
	ListItems(ctx context.Context, opts ListOpts) ([]source.Item, error)
	CountItemsBySource(ctx context.Context) (map[string]int, error)

	CommitCycle(ctx context.Context, c *Cycle) error

	GetAlert(ctx context.Context, id string) (*Alert, error)
	ListAlertsByState(ctx context.Context, state string, limit int) ([]Alert, error)
	AlertDelivered(ctx context.Context, alertID, channel string) (bool, error)
	RecordAlertDelivery(ctx context.Context, alertID, channel string, ok bool, errMsg string) error
	SetAlertState(ctx context.Context, alertID, state string) error

	RecordAction(ctx context.Context, a *UserAction) error
	CountActions(ctx context.Context) (int, error)
	ListPreferences(ctx context.Context) ([]Preference, error)
	UpsertPreferences(ctx context.Context, prefs []Preference) error

	RecentCollectionLogs(ctx context.Context, sourceID string, limit int) ([]CollectionLog, error)
	Stats(ctx context.Context) (*Stats, error)
	Vacuum(ctx context.Context) error

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// New opens a SQLite database, applies pragmas and runs migrations.
// Works for file paths, ":memory:" and full DSNs alike.
func New(path string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sqlx.Open("sqlite", path+sep+"_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// SQLite allows a single writer; one pooled connection serializes
	// cycle commits and keeps ":memory:" databases on one database.
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertSource(ctx context.Context, src *source.Source) error {
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}
	configJSON, _ := json.Marshal(src.Config)
	src.ConfigJSON = string(configJSON)

	// Health counters are owned by the scheduler; a config reload must
	// not reset them.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (id, name, type, url, enabled, interval_minutes, priority, category, config, consecutive_errors, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			url = excluded.url,
			enabled = excluded.enabled,
			interval_minutes = excluded.interval_minutes,
			priority = excluded.priority,
			category = excluded.category,
			config = excluded.config
	`, src.ID, src.Name, src.Type, src.URL, src.Enabled, src.IntervalMinutes,
		src.Priority, src.Category, src.ConfigJSON, src.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert source %s: %w", src.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSource(ctx context.Context, id string) (*source.Source, error) {
	var src source.Source
	err := s.db.GetContext(ctx, &src, "SELECT * FROM sources WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get source %s: %w", id, err)
	}
	json.Unmarshal([]byte(src.ConfigJSON), &src.Config)
	return &src, nil
}

func (s *SQLiteStore) ListSources(ctx context.Context) ([]source.Source, error) {
	return s.listSources(ctx, "SELECT * FROM sources ORDER BY priority, name")
}

func (s *SQLiteStore) ListEnabledSources(ctx context.Context) ([]source.Source, error) {
	return s.listSources(ctx, "SELECT * FROM sources WHERE enabled = 1 ORDER BY priority, name")
}

func (s *SQLiteStore) listSources(ctx context.Context, query string) ([]source.Source, error) {
	var sources []source.Source
	if err := s.db.SelectContext(ctx, &sources, query); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	for i := range sources {
		json.Unmarshal([]byte(sources[i].ConfigJSON), &sources[i].Config)
	}
	return sources, nil
}

func (s *SQLiteStore) DeleteSource(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sources WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete source %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) UpsertFilter(ctx context.Context, f *Filter) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if f.Conditions == "" {
		f.Conditions = "{}"
	}
	if f.ActionParams == "" {
		f.ActionParams = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO filters (id, name, enabled, priority, action, conditions, score_modifier, action_params, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			priority = excluded.priority,
			action = excluded.action,
			conditions = excluded.conditions,
			score_modifier = excluded.score_modifier,
			action_params = excluded.action_params
	`, f.ID, f.Name, f.Enabled, f.Priority, f.Action, f.Conditions,
		f.ScoreModifier, f.ActionParams, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert filter %s: %w", f.Name, err)
	}
	return nil
}

func (s *SQLiteStore) ListFilters(ctx context.Context) ([]Filter, error) {
	var filters []Filter
	err := s.db.SelectContext(ctx, &filters, "SELECT * FROM filters ORDER BY priority, id")
	if err != nil {
		return nil, fmt.Errorf("list filters: %w", err)
	}
	return filters, nil
}
