// Package alert delivers filter matches to notification channels.
//
// The scheduler enqueues one Payload per triggered alert. The Dispatcher
// groups payloads into per-(filter, severity) aggregation windows and
// hands each flushed window to every registered Channel that accepts its
// severity. Channels format and transmit; they never decide routing.
package alert

import (
	"fmt"
	"time"
)

// Payload carries everything a channel needs to render one alert. It is
// assembled when the alert row is written and stays immutable afterwards.
type Payload struct {
	AlertID    string
	ItemID     string
	FilterID   string
	FilterName string
	Severity   Severity

	Title        string
	Summary      string
	Content      string
	URL          string
	SourceName   string
	Author       string
	PublishedAt  *time.Time
	MatchedValue string
	Tags         []string
	CreatedAt    time.Time
}

// PublishedFormatted renders the publication date for message bodies,
// day first. Empty when the source never provided one.
func (p *Payload) PublishedFormatted() string {
	if p.PublishedAt == nil {
		return ""
	}
	return p.PublishedAt.Local().Format("02/01/2006 15:04")
}

// PublishedRelative renders the age of the item ("il y a 3 h"). Empty
// when the publication date is unknown.
func (p *Payload) PublishedRelative() string {
	if p.PublishedAt == nil {
		return ""
	}
	return relativeTime(time.Since(*p.PublishedAt))
}

func relativeTime(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "à l'instant"
	case d < time.Hour:
		return fmt.Sprintf("il y a %d min", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("il y a %d h", int(d.Hours()))
	default:
		return fmt.Sprintf("il y a %d j", int(d.Hours()/24))
	}
}

// Key identifies one aggregation window. Alerts from the same filter at
// the same severity share a window; everything else flushes separately.
type Key struct {
	FilterID string
	Severity Severity
}

// Aggregated is the unit of delivery: every payload collected by one
// window, oldest first. Channels that do not aggregate receive a series
// of single-payload groups instead.
type Aggregated struct {
	Key     Key
	Items   []Payload
	FirstAt time.Time
}

// Single returns the only payload when the group holds exactly one.
func (a *Aggregated) Single() *Payload {
	if len(a.Items) == 1 {
		return &a.Items[0]
	}
	return nil
}

// FilterName returns the display name of the filter that produced the
// group.
func (a *Aggregated) FilterName() string {
	if len(a.Items) == 0 {
		return ""
	}
	return a.Items[0].FilterName
}

// Headline summarizes the group for channels that lead with a title.
func (a *Aggregated) Headline() string {
	if p := a.Single(); p != nil {
		return p.Title
	}
	return fmt.Sprintf("%d alertes: %s", len(a.Items), a.FilterName())
}
