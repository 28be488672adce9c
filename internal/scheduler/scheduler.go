// Package scheduler drives the collection pipeline. A single loop
// decides which sources are due, runs their collectors under a bounded
// pool, pushes results through dedup, filtering and scoring, and commits
// each cycle atomically before handing alerts to the dispatcher.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/sentinelpi/sentinel/internal/logging"
	"github.com/sentinelpi/sentinel/internal/metrics"
	"github.com/sentinelpi/sentinel/internal/store"
	"github.com/sentinelpi/sentinel/pkg/alert"
	"github.com/sentinelpi/sentinel/pkg/filter"
	"github.com/sentinelpi/sentinel/pkg/scoring"
	"github.com/sentinelpi/sentinel/pkg/source"
)

// Cross-source dedup modes.
const (
	DedupOff    = "off"
	DedupMark   = "mark"
	DedupReject = "reject"
)

// AlertSink receives alert payloads after their cycle has committed.
// *alert.Dispatcher implements it.
type AlertSink interface {
	Enqueue(payloads ...alert.Payload)
}

// Config tunes the driver loop. Zero values take the defaults below.
type Config struct {
	// Tick is how often the due-source check runs.
	Tick time.Duration
	// MaxParallel bounds concurrently collecting sources.
	MaxParallel int64
	// MaxBackoff caps the error-doubled interval of a failing source.
	MaxBackoff time.Duration
	// CycleTimeout bounds one source's collect+process+commit.
	CycleTimeout time.Duration
	// CrossSourceDedup is one of off, mark, reject.
	CrossSourceDedup string
	// MaxKeywords caps the keywords extracted per item.
	MaxKeywords int
	// DrainTimeout bounds the wait for in-flight cycles at shutdown.
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 30 * time.Second
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 6 * time.Hour
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = 5 * time.Minute
	}
	if c.CrossSourceDedup == "" {
		c.CrossSourceDedup = DedupMark
	}
	if c.MaxKeywords <= 0 {
		c.MaxKeywords = 10
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	return c
}

// Scheduler owns the collection loop. The active set guarantees at most
// one running cycle per source even when a cycle outlasts several ticks.
type Scheduler struct {
	store    store.Store
	registry *source.Registry
	engine   *filter.Engine
	scorer   *scoring.Scorer
	alerts   AlertSink
	cfg      Config

	sem *semaphore.Weighted
	wg  sync.WaitGroup
	now func() time.Time

	mu     sync.Mutex
	active map[string]bool
}

// New wires the pipeline. sink may be nil when no channel is configured.
func New(st store.Store, reg *source.Registry, eng *filter.Engine, sc *scoring.Scorer, sink AlertSink, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		store:    st,
		registry: reg,
		engine:   eng,
		scorer:   sc,
		alerts:   sink,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxParallel),
		now:      time.Now,
		active:   make(map[string]bool),
	}
}

func (s *Scheduler) String() string { return "scheduler" }

// Serve runs the driver loop until ctx is canceled. The first due pass
// runs immediately, so a fresh start collects without waiting a tick.
func (s *Scheduler) Serve(ctx context.Context) error {
	logging.Info().
		Dur("tick", s.cfg.Tick).
		Int64("max_parallel", s.cfg.MaxParallel).
		Str("dedup", s.cfg.CrossSourceDedup).
		Msg("scheduler started")

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.launchDue(ctx)
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return ctx.Err()
		case <-ticker.C:
			s.launchDue(ctx)
		}
	}
}

// drain waits for in-flight cycles, bounded so shutdown cannot hang on a
// stuck fetch.
func (s *Scheduler) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logging.Info().Msg("scheduler stopped")
	case <-time.After(s.cfg.DrainTimeout):
		logging.Warn().Msg("scheduler stopped with cycles still in flight")
	}
}

// RunOnce collects the named source immediately, or every enabled source
// when id is empty. Cycles run sequentially in priority order; the
// combined error reports every failed source.
func (s *Scheduler) RunOnce(ctx context.Context, id string) error {
	var sources []source.Source
	if id == "" {
		list, err := s.store.ListEnabledSources(ctx)
		if err != nil {
			return fmt.Errorf("list sources: %w", err)
		}
		sources = list
	} else {
		src, err := s.store.GetSource(ctx, id)
		if err != nil {
			return fmt.Errorf("get source %s: %w", id, err)
		}
		sources = []source.Source{*src}
	}
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].Priority < sources[j].Priority
	})

	var errs []error
	for i := range sources {
		src := &sources[i]
		if !s.activate(src.ID) {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
		err := s.collectSource(cctx, src)
		cancel()
		s.deactivate(src.ID)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// launchDue starts a cycle for every due source, up to the pool bound.
func (s *Scheduler) launchDue(ctx context.Context) {
	sources, err := s.store.ListEnabledSources(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("list sources")
		return
	}
	for _, src := range s.due(sources) {
		src := src
		if !s.activate(src.ID) {
			continue
		}
		if !s.sem.TryAcquire(1) {
			s.deactivate(src.ID)
			return // pool full; the next tick retries
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			defer s.deactivate(src.ID)
			s.runCycle(ctx, &src)
		}()
	}
}

// due filters to sources whose next check time has passed, ordered by
// priority then oldest check first. Never-checked sources lead.
func (s *Scheduler) due(sources []source.Source) []source.Source {
	now := s.now()
	due := make([]source.Source, 0, len(sources))
	for _, src := range sources {
		if src.LastCheck == nil || now.Sub(*src.LastCheck) >= s.nextWait(&src) {
			due = append(due, src)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		li, lj := due[i].LastCheck, due[j].LastCheck
		if li == nil || lj == nil {
			return lj != nil
		}
		return li.Before(*lj)
	})
	return due
}

// nextWait is the effective interval: the configured cadence doubled per
// consecutive error, capped so a flapping source keeps getting retried.
func (s *Scheduler) nextWait(src *source.Source) time.Duration {
	interval := src.Interval()
	if interval <= 0 {
		interval = time.Hour
	}
	limit := s.cfg.MaxBackoff
	if interval > limit {
		limit = interval
	}
	n := src.ConsecutiveErrors
	if n > 16 {
		n = 16
	}
	wait := interval << n
	if wait <= 0 || wait > limit {
		wait = limit
	}
	return wait
}

func (s *Scheduler) activate(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[id] {
		return false
	}
	s.active[id] = true
	return true
}

func (s *Scheduler) deactivate(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

// runCycle runs one source's cycle detached from the serve context, so
// shutdown lets in-flight cycles finish inside the drain window.
func (s *Scheduler) runCycle(ctx context.Context, src *source.Source) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CycleTimeout)
	defer cancel()
	if err := s.collectSource(cctx, src); err != nil {
		logging.Error().Err(err).Str("source", src.Name).Msg("collection cycle failed")
	}
}

// collectSource runs one full cycle: collect, process, commit, enqueue.
func (s *Scheduler) collectSource(ctx context.Context, src *source.Source) (err error) {
	start := time.Now()
	metrics.JobStarted()
	defer metrics.JobFinished()
	defer func() { metrics.ObserveCycle(src.Name, err, time.Since(start)) }()

	collector, ok := s.registry.Get(src.Type)
	if !ok {
		err = fmt.Errorf("no collector registered for type %q", src.Type)
		s.commitFailure(ctx, src, start, err)
		return err
	}

	collected, err := collector.Collect(ctx, src)
	if err != nil {
		s.commitFailure(ctx, src, start, err)
		return fmt.Errorf("collect %s: %w", src.Name, err)
	}
	metrics.AddCollected(src.Name, len(collected))

	cycle, payloads := s.process(ctx, src, collected, start)

	// The cycle deadline may already be spent; the commit is a local
	// write and gets its own short one.
	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	err = s.store.CommitCycle(wctx, cycle)
	wcancel()
	if err != nil {
		return fmt.Errorf("commit cycle %s: %w", src.Name, err)
	}

	metrics.AddNew(src.Name, cycle.Log.ItemsNew)
	if s.alerts != nil && len(payloads) > 0 {
		s.alerts.Enqueue(payloads...)
	}

	logging.Info().
		Str("source", src.Name).
		Int("collected", len(collected)).
		Int("new", cycle.Log.ItemsNew).
		Int("alerts", len(payloads)).
		Dur("took", time.Since(start)).
		Msg("cycle complete")
	return nil
}

// process runs collected items through guid dedup, filtering,
// cross-source dedup and scoring, and assembles the cycle to commit plus
// the alert payloads to enqueue after it commits.
func (s *Scheduler) process(ctx context.Context, src *source.Source, collected []source.CollectedItem, start time.Time) (*store.Cycle, []alert.Payload) {
	now := s.now().UTC()
	cycle := &store.Cycle{Source: src}
	var payloads []alert.Payload
	batchHashes := make(map[string]string)
	excluded := 0

	for i := range collected {
		ci := &collected[i]

		exists, err := s.store.ItemExists(ctx, src.ID, ci.GUID)
		if err != nil {
			logging.Error().Err(err).Str("source", src.Name).Msg("check item existence")
			continue
		}
		if exists {
			continue
		}

		res := s.engine.Apply(ci)
		for _, m := range res.Matches {
			metrics.FilterMatch(m.FilterName, string(m.Action))
		}
		if res.Excluded {
			excluded++
			continue
		}

		hash := ci.ContentHash()
		var duplicateOf *string
		if s.cfg.CrossSourceDedup != DedupOff {
			origID := batchHashes[hash]
			if origID == "" {
				id, err := s.store.FindByContentHash(ctx, hash)
				switch {
				case err == nil:
					origID = id
				case !errors.Is(err, store.ErrNotFound):
					logging.Error().Err(err).Str("source", src.Name).Msg("content hash lookup")
				}
			}
			if origID != "" {
				if s.cfg.CrossSourceDedup == DedupReject {
					continue
				}
				duplicateOf = &origID
			}
		}

		item := s.buildItem(src, ci, &res, duplicateOf)
		if _, seen := batchHashes[hash]; !seen {
			batchHashes[hash] = item.ID
		}
		cycle.Items = append(cycle.Items, *item)

		// Duplicates are persisted for the record but never re-alerted;
		// the original already was.
		if res.ShouldAlert && duplicateOf == nil {
			for _, m := range res.Alerts {
				a, p := buildAlert(src, item, m, now)
				cycle.Alerts = append(cycle.Alerts, *a)
				payloads = append(payloads, p)
			}
		}
	}

	src.LastCheck = &now
	src.LastSuccess = &now
	src.ConsecutiveErrors = 0
	cycle.Log = store.CollectionLog{
		SourceID:       src.ID,
		Success:        true,
		ItemsCollected: len(collected),
		ItemsNew:       len(cycle.Items),
		DurationMS:     time.Since(start).Milliseconds(),
		CreatedAt:      now,
	}
	if excluded > 0 {
		logging.Debug().Str("source", src.Name).Int("excluded", excluded).Msg("items excluded by filters")
	}
	return cycle, payloads
}

// buildItem scores one collected item and shapes it for persistence.
func (s *Scheduler) buildItem(src *source.Source, ci *source.CollectedItem, res *filter.Result, duplicateOf *string) *source.Item {
	keywords := scoring.ExtractKeywords(ci.Title, s.cfg.MaxKeywords)
	scored := s.scorer.Score(ci, scoring.Context{
		SourceID:       src.ID,
		SourcePriority: src.Priority,
		Category:       src.Category,
		Keywords:       keywords,
		Filter:         res,
	})
	return &source.Item{
		ID:             uuid.NewString(),
		SourceID:       src.ID,
		GUID:           ci.GUID,
		Title:          ci.Title,
		URL:            ci.URL,
		Author:         ci.Author,
		Content:        ci.Content,
		Summary:        ci.Summary,
		PublishedAt:    ci.PublishedAt,
		CollectedAt:    ci.CollectedAt,
		ImageURL:       ci.ImageURL,
		MediaURLs:      ci.MediaURLs,
		Language:       ci.Language,
		Extra:          ci.Extra,
		ContentHash:    ci.ContentHash(),
		Status:         source.StatusNew,
		RelevanceScore: scored.Score,
		Keywords:       keywords,
		Tags:           res.Tags,
		DuplicateOf:    duplicateOf,
	}
}

// buildAlert stages one alert row and its delivery payload.
func buildAlert(src *source.Source, item *source.Item, m filter.Match, now time.Time) (*store.Alert, alert.Payload) {
	a := &store.Alert{
		ID:        uuid.NewString(),
		ItemID:    item.ID,
		FilterID:  m.FilterID,
		Severity:  m.Severity(),
		State:     store.AlertPending,
		CreatedAt: now,
	}
	p := alert.Payload{
		AlertID:      a.ID,
		ItemID:       item.ID,
		FilterID:     m.FilterID,
		FilterName:   m.FilterName,
		Severity:     alert.ParseSeverity(m.Severity()),
		Title:        item.Title,
		Summary:      item.Summary,
		Content:      item.Content,
		URL:          item.URL,
		SourceName:   src.Name,
		Author:       item.Author,
		PublishedAt:  item.PublishedAt,
		MatchedValue: m.Value,
		Tags:         item.Tags,
		CreatedAt:    now,
	}
	return a, p
}

// commitFailure records a failed cycle: the log line plus the bumped
// error counter, so backoff applies to the next due computation.
func (s *Scheduler) commitFailure(ctx context.Context, src *source.Source, start time.Time, cause error) {
	now := s.now().UTC()
	src.LastCheck = &now
	src.ConsecutiveErrors++

	cycle := &store.Cycle{
		Source: src,
		Log: store.CollectionLog{
			SourceID:   src.ID,
			Success:    false,
			Error:      cause.Error(),
			DurationMS: time.Since(start).Milliseconds(),
			CreatedAt:  now,
		},
	}
	// Failures often mean the cycle deadline expired; record them on a
	// fresh write context.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.store.CommitCycle(wctx, cycle); err != nil {
		logging.Error().Err(err).Str("source", src.Name).Msg("record cycle failure")
	}
}
