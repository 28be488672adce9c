// Package source defines the uniform item model and the collector
// contract shared by every source type.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Type identifies a source kind. The registry dispatches on it.
type Type string

const (
	TypeRSS      Type = "rss"
	TypeReddit   Type = "reddit"
	TypeYouTube  Type = "youtube"
	TypeWeb      Type = "web"
	TypeMastodon Type = "mastodon"
	TypeCustom   Type = "custom"
)

// AllTypes returns every known source type.
func AllTypes() []Type {
	return []Type{TypeRSS, TypeReddit, TypeYouTube, TypeWeb, TypeMastodon, TypeCustom}
}

// Source is a configured, persisted source: what to poll, how often, and
// its health counters.
type Source struct {
	ID                string         `json:"id" db:"id"`
	Name              string         `json:"name" db:"name"`
	Type              Type           `json:"type" db:"type"`
	URL               string         `json:"url" db:"url"`
	Enabled           bool           `json:"enabled" db:"enabled"`
	IntervalMinutes   int            `json:"interval_minutes" db:"interval_minutes"`
	Priority          int            `json:"priority" db:"priority"`
	Category          string         `json:"category" db:"category"`
	Config            map[string]any `json:"config,omitempty" db:"-"`
	LastCheck         *time.Time     `json:"last_check,omitempty" db:"last_check"`
	LastSuccess       *time.Time     `json:"last_success,omitempty" db:"last_success"`
	ConsecutiveErrors int            `json:"consecutive_errors" db:"consecutive_errors"`
	CreatedAt         time.Time      `json:"created_at" db:"created_at"`

	ConfigJSON string `json:"-" db:"config"`
}

// DeriveID returns the stable source ID for a (name, url) pair. Imports
// and config reloads stay idempotent because the same pair always maps to
// the same ID.
func DeriveID(name, url string) string {
	sum := sha256.Sum256([]byte(name + ":" + url))
	return hex.EncodeToString(sum[:])[:32]
}

// Interval returns the configured cadence as a duration.
func (s *Source) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// ConfigString reads a string from the per-type config bag.
func (s *Source) ConfigString(key, fallback string) string {
	if v, ok := s.Config[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// ConfigInt reads an integer from the per-type config bag. YAML and JSON
// decoders disagree on number types, so both int and float64 are accepted.
func (s *Source) ConfigInt(key string, fallback int) int {
	switch v := s.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

// ConfigBool reads a boolean from the per-type config bag.
func (s *Source) ConfigBool(key string, fallback bool) bool {
	if v, ok := s.Config[key].(bool); ok {
		return v
	}
	return fallback
}

// ConfigStringMap reads a nested string map (e.g. headers, field mappings).
func (s *Source) ConfigStringMap(key string) map[string]string {
	out := map[string]string{}
	m, ok := s.Config[key].(map[string]any)
	if !ok {
		return out
	}
	for k, v := range m {
		if sv, ok := v.(string); ok {
			out[k] = sv
		}
	}
	return out
}

// CollectedItem is the normalized record a collector emits, before
// persistence. GUID and Title are required; Normalize enforces both.
type CollectedItem struct {
	GUID        string         `json:"guid"`
	Title       string         `json:"title"`
	URL         string         `json:"url,omitempty"`
	Author      string         `json:"author,omitempty"`
	Content     string         `json:"content,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	PublishedAt *time.Time     `json:"published_at,omitempty"`
	CollectedAt time.Time      `json:"collected_at"`
	ImageURL    string         `json:"image_url,omitempty"`
	MediaURLs   []string       `json:"media_urls,omitempty"`
	Language    string         `json:"language,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// DefaultTitle is used when a source provides no usable title.
const DefaultTitle = "Sans titre"

// SynthesizeGUID builds a deterministic GUID for entries whose source
// supplies none.
func SynthesizeGUID(title, link string) string {
	sum := sha256.Sum256([]byte(title + ":" + link))
	return hex.EncodeToString(sum[:])[:32]
}

// ContentHash returns the cross-source dedup key:
// SHA-256(title + "\n" + content), hex-encoded.
func (ci *CollectedItem) ContentHash() string {
	sum := sha256.Sum256([]byte(ci.Title + "\n" + ci.Content))
	return hex.EncodeToString(sum[:])
}

// Normalize enforces the collector invariants in place: non-empty title,
// non-empty deterministic GUID, and a collection timestamp.
func (ci *CollectedItem) Normalize() {
	if ci.Title == "" {
		ci.Title = DefaultTitle
	}
	if ci.GUID == "" {
		ci.GUID = SynthesizeGUID(ci.Title, ci.URL)
	}
	if ci.CollectedAt.IsZero() {
		ci.CollectedAt = time.Now().UTC()
	}
}

// Item statuses.
const (
	StatusNew      = "new"
	StatusRead     = "read"
	StatusArchived = "archived"
	StatusDeleted  = "deleted"
)

// Item is the persisted superset of CollectedItem.
type Item struct {
	ID             string         `json:"id" db:"id"`
	SourceID       string         `json:"source_id" db:"source_id"`
	GUID           string         `json:"guid" db:"guid"`
	Title          string         `json:"title" db:"title"`
	URL            string         `json:"url" db:"url"`
	Author         string         `json:"author" db:"author"`
	Content        string         `json:"content" db:"content"`
	Summary        string         `json:"summary" db:"summary"`
	PublishedAt    *time.Time     `json:"published_at,omitempty" db:"published_at"`
	CollectedAt    time.Time      `json:"collected_at" db:"collected_at"`
	ImageURL       string         `json:"image_url" db:"image_url"`
	MediaURLs      []string       `json:"media_urls,omitempty" db:"-"`
	Language       string         `json:"language" db:"language"`
	Extra          map[string]any `json:"extra,omitempty" db:"-"`
	ContentHash    string         `json:"content_hash" db:"content_hash"`
	Status         string         `json:"status" db:"status"`
	Starred        bool           `json:"starred" db:"starred"`
	RelevanceScore float64        `json:"relevance_score" db:"relevance_score"`
	Keywords       []string       `json:"keywords,omitempty" db:"-"`
	Tags           []string       `json:"tags,omitempty" db:"-"`
	DuplicateOf    *string        `json:"duplicate_of,omitempty" db:"duplicate_of"`

	MediaJSON    string `json:"-" db:"media_urls"`
	ExtraJSON    string `json:"-" db:"extra"`
	KeywordsJSON string `json:"-" db:"keywords"`
	TagsJSON     string `json:"-" db:"tags"`
}

// Collector is implemented once per source type. Collect fetches and
// parses one source, returning normalized items in emission order.
type Collector interface {
	Type() Type
	Collect(ctx context.Context, src *Source) ([]CollectedItem, error)
	// Validate performs a lightweight reachability probe (typically HEAD).
	Validate(ctx context.Context, src *Source) bool
}

// CollectorError is the fatal-per-cycle failure a collector returns on
// network errors, HTTP >= 400, or whole-document parse failures.
type CollectorError struct {
	SourceID string
	Message  string
	Cause    error
}

func (e *CollectorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (source %s): %v", e.Message, e.SourceID, e.Cause)
	}
	return fmt.Sprintf("%s (source %s)", e.Message, e.SourceID)
}

func (e *CollectorError) Unwrap() error { return e.Cause }

// Errf builds a CollectorError bound to src.
func Errf(src *Source, cause error, format string, args ...any) *CollectorError {
	return &CollectorError{
		SourceID: src.ID,
		Message:  fmt.Sprintf(format, args...),
		Cause:    cause,
	}
}

// Registry maps source types to collector implementations. It is
// populated explicitly at startup: no reflection.
type Registry struct {
	collectors map[Type]Collector
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{collectors: make(map[Type]Collector)}
}

// Register adds one collector. Later registrations replace earlier ones.
func (r *Registry) Register(c Collector) {
	r.collectors[c.Type()] = c
}

// Get returns the collector for a type.
func (r *Registry) Get(t Type) (Collector, bool) {
	c, ok := r.collectors[t]
	return c, ok
}

// Types returns the registered types.
func (r *Registry) Types() []Type {
	out := make([]Type, 0, len(r.collectors))
	for t := range r.collectors {
		out = append(out, t)
	}
	return out
}
