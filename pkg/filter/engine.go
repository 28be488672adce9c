package filter

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/sentinelpi/sentinel/internal/config"
	"github.com/sentinelpi/sentinel/internal/logging"
	"github.com/sentinelpi/sentinel/pkg/source"
)

// Action is what a matched rule does to an item.
type Action string

const (
	ActionHighlight Action = "highlight"
	ActionExclude   Action = "exclude"
	ActionTag       Action = "tag"
	ActionAlert     Action = "alert"
)

// DefaultSeverity is assumed for alert rules that name none.
const DefaultSeverity = "notice"

// Rule is one compiled filter rule.
type Rule struct {
	ID            string
	Name          string
	Enabled       bool
	Priority      int
	Action        Action
	Conditions    *Condition
	ScoreModifier float64
	ActionParams  map[string]any
}

// DeriveID returns the stable rule ID for a name, so reloads keep the
// same identity.
func DeriveID(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])[:32]
}

// Severity returns the configured alert severity, defaulting to notice.
func (r *Rule) Severity() string {
	if s, ok := r.ActionParams["severity"].(string); ok && s != "" {
		return s
	}
	return DefaultSeverity
}

// Tag returns the tag a tag-rule applies, falling back to the rule name.
func (r *Rule) Tag() string {
	if t, ok := r.ActionParams["tag"].(string); ok && t != "" {
		return t
	}
	return r.Name
}

// Match records one rule that matched an item.
type Match struct {
	FilterID      string         `json:"filter_id"`
	FilterName    string         `json:"filter_name"`
	Action        Action         `json:"action"`
	Field         string         `json:"field,omitempty"`
	Value         string         `json:"value,omitempty"`
	ScoreModifier float64        `json:"score_modifier,omitempty"`
	ActionParams  map[string]any `json:"action_params,omitempty"`
}

// Severity returns the severity an alert match carries.
func (m Match) Severity() string {
	if s, ok := m.ActionParams["severity"].(string); ok && s != "" {
		return s
	}
	return DefaultSeverity
}

// Result is the outcome of running every rule against one item.
type Result struct {
	Matches            []Match
	Highlighted        bool
	Excluded           bool
	Tags               []string
	Alerts             []Match
	TotalScoreModifier float64
	ShouldAlert        bool
}

// Engine applies rules in priority order. Build once, use from any
// goroutine: evaluation is read-only.
type Engine struct {
	rules []Rule
}

// NewEngine compiles and orders the rules. A rule that fails to compile
// is disabled and logged; the others keep working.
func NewEngine(rules []Rule) *Engine {
	compiled := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			r.ID = DeriveID(r.Name)
		}
		if r.Conditions == nil {
			logging.Error().Str("filter", r.Name).Msg("filter has no conditions, disabled")
			r.Enabled = false
		} else if err := r.Conditions.Compile(); err != nil {
			logging.Error().Str("filter", r.Name).Err(err).Msg("filter failed to compile, disabled")
			r.Enabled = false
		}
		compiled = append(compiled, r)
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].Priority != compiled[j].Priority {
			return compiled[i].Priority < compiled[j].Priority
		}
		return compiled[i].ID < compiled[j].ID
	})

	return &Engine{rules: compiled}
}

// FromConfigs builds rules from the configuration block. Condition parse
// errors disable the rule, matching NewEngine's compile behavior.
func FromConfigs(cfgs []config.FilterConfig) []Rule {
	rules := make([]Rule, 0, len(cfgs))
	for _, fc := range cfgs {
		r := Rule{
			ID:            DeriveID(fc.Name),
			Name:          fc.Name,
			Enabled:       fc.IsEnabled(),
			Priority:      fc.Priority,
			Action:        Action(fc.Action),
			ScoreModifier: fc.ScoreModifier,
			ActionParams:  fc.ActionParams,
		}
		if r.Priority == 0 {
			r.Priority = 100
		}
		cond, err := ParseCondition(fc.Conditions)
		if err != nil {
			logging.Error().Str("filter", fc.Name).Err(err).Msg("filter conditions malformed, disabled")
			r.Enabled = false
		} else {
			r.Conditions = cond
		}
		rules = append(rules, r)
	}
	return rules
}

// Rules exposes the compiled rule list for the status API.
func (e *Engine) Rules() []Rule {
	return e.rules
}

// Apply evaluates every enabled rule against one item. Exclusion
// short-circuits: later rules never see the item.
func (e *Engine) Apply(item *source.CollectedItem) Result {
	var res Result

	for i := range e.rules {
		r := &e.rules[i]
		if !r.Enabled {
			continue
		}

		ok, field, value := r.Conditions.Evaluate(item)
		if !ok {
			continue
		}

		m := Match{
			FilterID:      r.ID,
			FilterName:    r.Name,
			Action:        r.Action,
			Field:         field,
			Value:         value,
			ScoreModifier: r.ScoreModifier,
			ActionParams:  r.ActionParams,
		}
		res.Matches = append(res.Matches, m)

		switch r.Action {
		case ActionExclude:
			res.Excluded = true
			return res
		case ActionHighlight:
			res.Highlighted = true
		case ActionTag:
			res.Tags = appendUnique(res.Tags, r.Tag())
		case ActionAlert:
			res.Alerts = append(res.Alerts, m)
			res.ShouldAlert = true
		}
		res.TotalScoreModifier += r.ScoreModifier
	}

	return res
}

// Process runs Apply over a batch, returning the per-item results and the
// included/excluded counts.
func (e *Engine) Process(items []source.CollectedItem) ([]Result, int, int) {
	results := make([]Result, len(items))
	included, excluded := 0, 0
	for i := range items {
		results[i] = e.Apply(&items[i])
		if results[i].Excluded {
			excluded++
		} else {
			included++
		}
	}
	return results, included, excluded
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
