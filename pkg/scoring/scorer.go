// Package scoring ranks collected items and learns per-user preference
// weights from feedback actions.
package scoring

import (
	"math"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/sentinelpi/sentinel/pkg/filter"
	"github.com/sentinelpi/sentinel/pkg/source"
)

// Weights configures the scorer. Zero values fall back to the defaults.
type Weights struct {
	Base           float64 `koanf:"base"`
	Recency        float64 `koanf:"recency"`
	Priority       float64 `koanf:"priority"`
	Quality        float64 `koanf:"quality"`
	HighlightBonus float64 `koanf:"highlight_bonus"`
	HalfLifeHours  float64 `koanf:"half_life_hours"`
}

// DefaultWeights returns the standard scoring weights.
func DefaultWeights() Weights {
	return Weights{
		Base:           50,
		Recency:        20,
		Priority:       10,
		Quality:        10,
		HighlightBonus: 30,
		HalfLifeHours:  24,
	}
}

func (w Weights) withDefaults() Weights {
	d := DefaultWeights()
	if w.Base == 0 {
		w.Base = d.Base
	}
	if w.HalfLifeHours <= 0 {
		w.HalfLifeHours = d.HalfLifeHours
	}
	return w
}

// Breakdown itemizes one item's score for observability.
type Breakdown struct {
	Base       float64 `json:"base"`
	Recency    float64 `json:"recency"`
	Priority   float64 `json:"priority"`
	Quality    float64 `json:"quality"`
	Filter     float64 `json:"filter"`
	Highlight  float64 `json:"highlight"`
	Preference float64 `json:"preference"`
	Custom     float64 `json:"custom"`
}

// Total sums every component.
func (b Breakdown) Total() float64 {
	return b.Base + b.Recency + b.Priority + b.Quality +
		b.Filter + b.Highlight + b.Preference + b.Custom
}

// Scored pairs an item with its score.
type Scored struct {
	Item      *source.CollectedItem
	Score     float64
	Breakdown Breakdown
}

// Context carries the per-item scoring inputs that live outside the item
// itself.
type Context struct {
	SourceID       string
	SourcePriority int
	Category       string
	// Keywords are the persisted item keywords; when empty they are
	// derived from the title.
	Keywords []string
	Filter   *filter.Result
}

// CustomScorer is a registered scoring plug-in.
type CustomScorer func(item *source.CollectedItem, sctx Context) float64

type namedScorer struct {
	name string
	fn   CustomScorer
}

// PreferenceProvider supplies the learned preference contribution.
// *Learner implements it; a nil provider contributes zero.
type PreferenceProvider interface {
	PreferenceScore(features []Feature) float64
}

// Scorer computes relevance scores. Safe for concurrent use once built.
type Scorer struct {
	weights Weights
	prefs   PreferenceProvider
	custom  []namedScorer
	now     func() time.Time
}

// NewScorer builds a scorer. prefs may be nil.
func NewScorer(weights Weights, prefs PreferenceProvider) *Scorer {
	return &Scorer{
		weights: weights.withDefaults(),
		prefs:   prefs,
		now:     time.Now,
	}
}

// RegisterCustom adds a scoring plug-in. Not safe to call concurrently
// with Score; register everything at startup.
func (s *Scorer) RegisterCustom(name string, fn CustomScorer) {
	s.custom = append(s.custom, namedScorer{name: name, fn: fn})
}

// Score computes one item's relevance score.
func (s *Scorer) Score(item *source.CollectedItem, sctx Context) Scored {
	w := s.weights

	b := Breakdown{
		Base:     w.Base,
		Recency:  w.Recency * s.recencyFactor(item.PublishedAt),
		Priority: w.Priority * priorityFactor(sctx.SourcePriority),
		Quality:  w.Quality * qualityFactor(item),
	}

	if sctx.Filter != nil {
		b.Filter = sctx.Filter.TotalScoreModifier
		if sctx.Filter.Highlighted {
			b.Highlight = w.HighlightBonus
		}
	}

	if s.prefs != nil {
		keywords := sctx.Keywords
		if len(keywords) == 0 {
			keywords = ExtractKeywords(item.Title, 0)
		}
		b.Preference = s.prefs.PreferenceScore(
			Features(keywords, sctx.SourceID, item.Author, sctx.Category, 0))
	}

	for _, cs := range s.custom {
		b.Custom += cs.fn(item, sctx)
	}

	return Scored{Item: item, Score: b.Total(), Breakdown: b}
}

// ScoreAndRank scores a batch with a shared context and returns it ranked.
func (s *Scorer) ScoreAndRank(items []source.CollectedItem, sctx Context) []Scored {
	scored := make([]Scored, len(items))
	for i := range items {
		scored[i] = s.Score(&items[i], sctx)
	}
	Rank(scored)
	return scored
}

// Rank stable-sorts by score descending, publication time descending,
// then GUID, so equal inputs always produce the same order.
func Rank(scored []Scored) {
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		pi, pj := scored[i].Item.PublishedAt, scored[j].Item.PublishedAt
		switch {
		case pi != nil && pj != nil && !pi.Equal(*pj):
			return pi.After(*pj)
		case pi != nil && pj == nil:
			return true
		case pi == nil && pj != nil:
			return false
		}
		return scored[i].Item.GUID < scored[j].Item.GUID
	})
}

// recencyFactor decays exponentially with the item's age. Items without a
// publication time sit in the middle rather than at either extreme.
func (s *Scorer) recencyFactor(publishedAt *time.Time) float64 {
	if publishedAt == nil {
		return 0.5
	}
	ageHours := s.now().UTC().Sub(publishedAt.UTC()).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	f := math.Exp(-math.Ln2 * ageHours / s.weights.HalfLifeHours)
	return clamp(f, 0, 1)
}

func priorityFactor(priority int) float64 {
	switch priority {
	case 1:
		return 1.0
	case 3:
		return 0.2
	default:
		return 0.5
	}
}

// qualityFactor is a cheap content-richness heuristic in [0,1].
func qualityFactor(item *source.CollectedItem) float64 {
	var f float64
	switch n := utf8.RuneCountInString(item.Content); {
	case n >= 500:
		f += 0.4
	case n >= 100:
		f += 0.2
	}
	if item.ImageURL != "" {
		f += 0.2
	}
	if item.Author != "" {
		f += 0.2
	}
	if item.Summary != "" {
		f += 0.2
	}
	return clamp(f, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
