package alert

import "strings"

// Severity orders alert levels for channel gating. Filters assign one of
// the four named levels; anything unrecognized falls back to notice.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityNotice
	SeverityWarning
	SeverityCritical
)

// ParseSeverity maps a config or filter string to a Severity.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return SeverityInfo
	case "warning":
		return SeverityWarning
	case "critical":
		return SeverityCritical
	default:
		return SeverityNotice
	}
}

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "notice"
	}
}

// Label is the uppercase form used in message headers.
func (s Severity) Label() string { return strings.ToUpper(s.String()) }

// Emoji returns the marker shown next to the severity label.
func (s Severity) Emoji() string {
	switch s {
	case SeverityInfo:
		return "ℹ️"
	case SeverityWarning:
		return "⚠️"
	case SeverityCritical:
		return "🚨"
	default:
		return "🔔"
	}
}

// AtLeast reports whether s passes a channel's minimum severity gate.
func (s Severity) AtLeast(min Severity) bool { return s >= min }

// hexColor is the accent color used by the email channel.
func (s Severity) hexColor() string {
	switch s {
	case SeverityInfo:
		return "#17a2b8"
	case SeverityNotice:
		return "#007bff"
	case SeverityWarning:
		return "#ffc107"
	case SeverityCritical:
		return "#dc3545"
	default:
		return "#6c757d"
	}
}

// intColor is the embed accent used by the Discord channel.
func (s Severity) intColor() int {
	switch s {
	case SeverityInfo:
		return 0x17A2B8
	case SeverityWarning:
		return 0xFFC107
	case SeverityCritical:
		return 0xDC3545
	default:
		return 0x007BFF
	}
}
