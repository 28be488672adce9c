package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sentinelpi/sentinel/internal/logging"
	"github.com/sentinelpi/sentinel/internal/store"
	"github.com/sentinelpi/sentinel/pkg/source"
)

// ActionSignals maps feedback kinds to learning signals.
var ActionSignals = map[string]float64{
	store.ActionStar:    1.0,
	store.ActionArchive: 0.5,
	store.ActionRead:    0.3,
	store.ActionDelete:  -0.8,
	store.ActionIgnore:  -0.2,
}

// Feature is one (type, value) preference key.
type Feature struct {
	Type  string
	Value string
}

// Features extracts the preference features of an item. Keyword features
// are capped at max (default 10); source, author and category ride along
// on top of the cap.
func Features(keywords []string, sourceID, author, category string, max int) []Feature {
	if max <= 0 {
		max = 10
	}

	features := make([]Feature, 0, max+3)
	for _, kw := range keywords {
		if len(features) == max {
			break
		}
		features = append(features, Feature{Type: "keyword", Value: strings.ToLower(kw)})
	}
	if sourceID != "" {
		features = append(features, Feature{Type: "source", Value: sourceID})
	}
	if author != "" {
		features = append(features, Feature{Type: "author", Value: strings.ToLower(author)})
	}
	if category != "" {
		features = append(features, Feature{Type: "category", Value: category})
	}
	return features
}

// LearnerConfig tunes the preference learner.
type LearnerConfig struct {
	Enabled              bool    `koanf:"enabled"`
	LearningRate         float64 `koanf:"learning_rate"`
	DecayHalfLifeDays    float64 `koanf:"decay_half_life_days"`
	MinActionsRequired   int     `koanf:"min_actions_required"`
	MaxPreferenceScore   float64 `koanf:"max_preference_score"`
	MaxFeaturesPerAction int     `koanf:"max_features_per_action"`
}

// DefaultLearnerConfig returns the standard learner settings.
func DefaultLearnerConfig() LearnerConfig {
	return LearnerConfig{
		Enabled:              true,
		LearningRate:         0.1,
		DecayHalfLifeDays:    30,
		MinActionsRequired:   20,
		MaxPreferenceScore:   25,
		MaxFeaturesPerAction: 10,
	}
}

func (c LearnerConfig) withDefaults() LearnerConfig {
	d := DefaultLearnerConfig()
	if c.LearningRate <= 0 {
		c.LearningRate = d.LearningRate
	}
	if c.DecayHalfLifeDays <= 0 {
		c.DecayHalfLifeDays = d.DecayHalfLifeDays
	}
	if c.MinActionsRequired <= 0 {
		c.MinActionsRequired = d.MinActionsRequired
	}
	if c.MaxPreferenceScore <= 0 {
		c.MaxPreferenceScore = d.MaxPreferenceScore
	}
	if c.MaxFeaturesPerAction <= 0 {
		c.MaxFeaturesPerAction = d.MaxFeaturesPerAction
	}
	return c
}

type weightEntry struct {
	weight float64
	anchor time.Time
}

// Learner turns feedback actions into per-feature weights and feeds the
// learned preference back into scoring.
//
// Below the activation gate the learner stages weight updates in memory
// only; the staged weights are written out in one batch the first time
// the gate opens. Reads apply time decay on the fly.
type Learner struct {
	store store.Store
	cfg   LearnerConfig
	now   func() time.Time

	mu        sync.RWMutex
	loaded    bool
	actions   int
	persisted bool
	weights   map[Feature]weightEntry
}

// FeatureWeight is one entry of a preference summary.
type FeatureWeight struct {
	Type   string  `json:"type"`
	Value  string  `json:"value"`
	Weight float64 `json:"weight"`
}

// Summary reports the learner state for the status API.
type Summary struct {
	Enabled             bool            `json:"enabled"`
	TotalActions        int             `json:"total_actions"`
	MinActionsRequired  int             `json:"min_actions_required"`
	IsActive            bool            `json:"is_active"`
	PositivePreferences []FeatureWeight `json:"positive_preferences"`
	NegativePreferences []FeatureWeight `json:"negative_preferences"`
	PreferencesByType   map[string]int  `json:"preferences_by_type"`
}

// NewLearner builds a learner over st. Call Load before first use.
func NewLearner(st store.Store, cfg LearnerConfig) *Learner {
	return &Learner{
		store:   st,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		weights: make(map[Feature]weightEntry),
	}
}

// Load pulls persisted weights and the action count.
func (l *Learner) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLocked(ctx)
}

func (l *Learner) loadLocked(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	prefs, err := l.store.ListPreferences(ctx)
	if err != nil {
		return fmt.Errorf("load preferences: %w", err)
	}
	count, err := l.store.CountActions(ctx)
	if err != nil {
		return fmt.Errorf("count actions: %w", err)
	}
	for _, p := range prefs {
		l.weights[Feature{Type: p.FeatureType, Value: p.FeatureValue}] = weightEntry{
			weight: p.Weight,
			anchor: p.DecayAnchorAt,
		}
	}
	l.actions = count
	l.persisted = count >= l.cfg.MinActionsRequired
	l.loaded = true
	return nil
}

// Active reports whether the gate is open.
func (l *Learner) Active() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg.Enabled && l.actions >= l.cfg.MinActionsRequired
}

// RecordAction stores the feedback event, advances the item lifecycle and
// updates feature weights.
func (l *Learner) RecordAction(ctx context.Context, user string, item *source.Item, kind string) error {
	signal, ok := ActionSignals[kind]
	if !ok {
		return fmt.Errorf("unknown action kind %q", kind)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadLocked(ctx); err != nil {
		return err
	}

	if err := l.store.RecordAction(ctx, &store.UserAction{
		User:   user,
		ItemID: item.ID,
		Kind:   kind,
	}); err != nil {
		return err
	}
	l.actions++

	if !l.cfg.Enabled {
		return nil
	}

	category := ""
	if src, err := l.store.GetSource(ctx, item.SourceID); err == nil {
		category = src.Category
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	now := l.now().UTC()
	features := Features(item.Keywords, item.SourceID, item.Author, category, l.cfg.MaxFeaturesPerAction)
	touched := make([]store.Preference, 0, len(features))
	for _, f := range features {
		entry := l.weights[f]
		w := l.effective(entry, now) + l.cfg.LearningRate*signal
		w = clamp(w, -l.cfg.MaxPreferenceScore, l.cfg.MaxPreferenceScore)
		l.weights[f] = weightEntry{weight: w, anchor: now}
		touched = append(touched, store.Preference{
			FeatureType:   f.Type,
			FeatureValue:  f.Value,
			Weight:        w,
			UpdatedAt:     now,
			DecayAnchorAt: now,
		})
	}

	if l.actions < l.cfg.MinActionsRequired {
		return nil // staged only
	}

	if !l.persisted {
		// Gate just opened: materialize everything staged so far.
		all := make([]store.Preference, 0, len(l.weights))
		for f, entry := range l.weights {
			all = append(all, store.Preference{
				FeatureType:   f.Type,
				FeatureValue:  f.Value,
				Weight:        entry.weight,
				UpdatedAt:     now,
				DecayAnchorAt: entry.anchor,
			})
		}
		if err := l.store.UpsertPreferences(ctx, all); err != nil {
			return err
		}
		l.persisted = true
		logging.Info().Int("actions", l.actions).Int("features", len(all)).
			Msg("preference learning activated")
		return nil
	}

	return l.store.UpsertPreferences(ctx, touched)
}

// PreferenceScore sums the decayed weights of the given features. Zero
// until the gate opens.
func (l *Learner) PreferenceScore(features []Feature) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.cfg.Enabled || l.actions < l.cfg.MinActionsRequired {
		return 0
	}

	now := l.now().UTC()
	var sum float64
	for _, f := range features {
		if entry, ok := l.weights[f]; ok {
			sum += l.effective(entry, now)
		}
	}
	return sum
}

// Summary reports the learner state, with decayed weights.
func (l *Learner) Summary(ctx context.Context) (*Summary, error) {
	l.mu.Lock()
	if err := l.loadLocked(ctx); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.mu.Unlock()

	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now().UTC()
	s := &Summary{
		Enabled:            l.cfg.Enabled,
		TotalActions:       l.actions,
		MinActionsRequired: l.cfg.MinActionsRequired,
		IsActive:           l.cfg.Enabled && l.actions >= l.cfg.MinActionsRequired,
		PreferencesByType:  make(map[string]int),
	}

	all := make([]FeatureWeight, 0, len(l.weights))
	for f, entry := range l.weights {
		w := l.effective(entry, now)
		all = append(all, FeatureWeight{Type: f.Type, Value: f.Value, Weight: w})
		s.PreferencesByType[f.Type]++
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Weight != all[j].Weight {
			return all[i].Weight > all[j].Weight
		}
		return all[i].Value < all[j].Value
	})

	for _, fw := range all {
		if fw.Weight > 0 && len(s.PositivePreferences) < 10 {
			s.PositivePreferences = append(s.PositivePreferences, fw)
		}
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Weight < 0 && len(s.NegativePreferences) < 10 {
			s.NegativePreferences = append(s.NegativePreferences, all[i])
		}
	}
	if s.PositivePreferences == nil {
		s.PositivePreferences = []FeatureWeight{}
	}
	if s.NegativePreferences == nil {
		s.NegativePreferences = []FeatureWeight{}
	}

	return s, nil
}

// effective applies read-time decay: weight · 2^(−age_days / half_life).
func (l *Learner) effective(entry weightEntry, now time.Time) float64 {
	if entry.anchor.IsZero() || entry.weight == 0 {
		return entry.weight
	}
	days := now.Sub(entry.anchor).Hours() / 24
	if days <= 0 {
		return entry.weight
	}
	return entry.weight * math.Exp2(-days/l.cfg.DecayHalfLifeDays)
}
