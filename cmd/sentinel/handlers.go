package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/thejerf/suture/v4"

	"github.com/sentinelpi/sentinel/internal/config"
	"github.com/sentinelpi/sentinel/internal/logging"
	"github.com/sentinelpi/sentinel/internal/scheduler"
	"github.com/sentinelpi/sentinel/internal/store"
	"github.com/sentinelpi/sentinel/internal/transport"
	"github.com/sentinelpi/sentinel/pkg/alert"
	"github.com/sentinelpi/sentinel/pkg/filter"
	"github.com/sentinelpi/sentinel/pkg/opml"
	"github.com/sentinelpi/sentinel/pkg/scoring"
	"github.com/sentinelpi/sentinel/pkg/server"
	"github.com/sentinelpi/sentinel/pkg/source"
)

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

func initLogging(cfg *config.Config) {
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
}

func buildRegistry(cfg *config.Config) *source.Registry {
	client := transport.New(transport.Options{
		Timeout:   cfg.Transport.ParseTimeout(),
		Retries:   cfg.Transport.Retries,
		UserAgent: cfg.Transport.UserAgent,
	})

	reg := source.NewRegistry()
	reg.Register(source.NewRSSCollector(client))
	reg.Register(source.NewRedditCollector(client))
	reg.Register(source.NewYouTubeCollector(client))
	reg.Register(source.NewWebCollector(client))
	reg.Register(source.NewMastodonCollector(client))
	reg.Register(source.NewCustomCollector(client))
	return reg
}

func buildChannels(cfg config.AlertsConfig) []alert.Channel {
	// Disabled channels stay in the list; the dispatcher skips them so
	// that enabling one later is a config change, not a code change.
	return []alert.Channel{
		alert.NewTelegram(cfg.Telegram),
		alert.NewEmail(cfg.Email),
		alert.NewWebhook(cfg.Webhook),
		alert.NewDiscord(cfg.Discord),
		alert.NewDesktop(cfg.Desktop),
	}
}

func buildLearner(st store.Store, cfg *config.Config) *scoring.Learner {
	return scoring.NewLearner(st, scoring.LearnerConfig{
		Enabled:              cfg.Preferences.Enabled,
		LearningRate:         cfg.Preferences.LearningRate,
		DecayHalfLifeDays:    cfg.Preferences.DecayHalfLifeDays,
		MinActionsRequired:   cfg.Preferences.MinActionsRequired,
		MaxPreferenceScore:   cfg.Preferences.MaxPreferenceScore,
		MaxFeaturesPerAction: cfg.Preferences.MaxFeaturesPerAction,
	})
}

func buildScorer(cfg *config.Config, learner *scoring.Learner) *scoring.Scorer {
	return scoring.NewScorer(scoring.Weights{
		Base:           cfg.Scoring.Base,
		Recency:        cfg.Scoring.RecencyWeight,
		Priority:       cfg.Scoring.PriorityWeight,
		Quality:        cfg.Scoring.QualityWeight,
		HighlightBonus: cfg.Scoring.HighlightBonus,
		HalfLifeHours:  cfg.Scoring.HalfLifeHours,
	}, learner)
}

// seedSources mirrors the configured sources into the store so the
// scheduler, the status API and OPML export all see one catalog.
func seedSources(ctx context.Context, st store.Store, cfgs []config.SourceConfig) error {
	for _, sc := range cfgs {
		src := &source.Source{
			ID:              source.DeriveID(sc.Name, sc.URL),
			Name:            sc.Name,
			Type:            source.Type(sc.Type),
			URL:             sc.URL,
			Enabled:         sc.IsEnabled(),
			IntervalMinutes: sc.IntervalMinutes,
			Priority:        sc.Priority,
			Category:        sc.Category,
			Config:          sc.Config,
		}
		if err := st.UpsertSource(ctx, src); err != nil {
			return fmt.Errorf("seed source %q: %w", sc.Name, err)
		}
	}
	return nil
}

// seedFilters persists the configured rules. The engine compiles its own
// representation from config; the stored copy is what alerts reference
// through filter_id.
func seedFilters(ctx context.Context, st store.Store, cfgs []config.FilterConfig) error {
	for _, fc := range cfgs {
		f := &store.Filter{
			ID:            filter.DeriveID(fc.Name),
			Name:          fc.Name,
			Enabled:       fc.IsEnabled(),
			Priority:      fc.Priority,
			Action:        fc.Action,
			ScoreModifier: fc.ScoreModifier,
		}
		if len(fc.Conditions) > 0 {
			b, err := json.Marshal(fc.Conditions)
			if err != nil {
				return fmt.Errorf("encode conditions for filter %q: %w", fc.Name, err)
			}
			f.Conditions = string(b)
		}
		if len(fc.ActionParams) > 0 {
			b, err := json.Marshal(fc.ActionParams)
			if err != nil {
				return fmt.Errorf("encode action params for filter %q: %w", fc.Name, err)
			}
			f.ActionParams = string(b)
		}
		if err := st.UpsertFilter(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// logSupervisorEvent routes suture lifecycle events into the global
// logger. Failures and backoffs warn; resumes are informational.
func logSupervisorEvent(e suture.Event) {
	ev := logging.Warn()
	if e.Type() == suture.EventTypeResume {
		ev = logging.Info()
	}
	ev.Fields(e.Map()).Msg("supervisor event")
}

func runStation(once bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	initLogging(cfg)

	st, err := store.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := seedSources(ctx, st, cfg.Sources); err != nil {
		return err
	}
	if err := seedFilters(ctx, st, cfg.Filters); err != nil {
		return err
	}

	learner := buildLearner(st, cfg)
	if err := learner.Load(ctx); err != nil {
		return fmt.Errorf("load preferences: %w", err)
	}

	dispatcher := alert.NewDispatcher(st, buildChannels(cfg.Alerts), alert.Options{
		Window: cfg.Alerts.AggregationWindow(),
	})

	sched := scheduler.New(st, buildRegistry(cfg), filter.NewEngine(filter.FromConfigs(cfg.Filters)),
		buildScorer(cfg, learner), dispatcher, scheduler.Config{
			Tick:             cfg.Scheduler.ParseTickInterval(),
			MaxParallel:      int64(cfg.Scheduler.MaxParallel),
			MaxBackoff:       cfg.Scheduler.ParseMaxBackoff(),
			CycleTimeout:     cfg.Scheduler.ParseCycleTimeout(),
			CrossSourceDedup: cfg.Dedup.CrossSource,
		})

	if once {
		return collectOnce(ctx, dispatcher, sched)
	}

	sup := suture.New("sentinel", suture.Spec{
		EventHook: logSupervisorEvent,
		// Must outlast the scheduler's own shutdown drain.
		Timeout: 35 * time.Second,
	})
	sup.Add(dispatcher)
	if cfg.Scheduler.Enabled {
		sup.Add(sched)
	}
	if cfg.Server.Enabled {
		sup.Add(server.New(st, learner, sched, cfg.Server.Listen))
	}

	logging.Info().
		Str("db", cfg.Database.Path).
		Int("sources", len(cfg.Sources)).
		Int("filters", len(cfg.Filters)).
		Msg("station started")

	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info().Msg("station stopped")
	return nil
}

// collectOnce runs a single collection pass over every enabled source.
// The dispatcher still has to serve in the background so queued alerts
// can be flushed before exit.
func collectOnce(ctx context.Context, d *alert.Dispatcher, sched *scheduler.Scheduler) error {
	dctx, stop := context.WithCancel(ctx)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- d.Serve(dctx) }()

	runErr := sched.RunOnce(ctx, "")
	if err := d.Flush(ctx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("flush alerts: %w", err))
	}

	stop()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

func runOPMLImport(path string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	initLogging(cfg)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	doc, err := opml.Parse(data)
	if err != nil {
		return err
	}

	st, err := store.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	existing, err := st.ListSources(ctx)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}
	known := make(map[string]bool, len(existing))
	for _, s := range existing {
		known[s.URL] = true
	}

	sources, result := opml.ToSources(doc.Feeds(), known)
	for i := range sources {
		if err := st.UpsertSource(ctx, &sources[i]); err != nil {
			return fmt.Errorf("import source %q: %w", sources[i].Name, err)
		}
	}

	fmt.Printf("imported %d of %d feeds (%d skipped)\n", result.Imported, result.Total, result.Skipped)
	return nil
}

func runOPMLExport(path string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	initLogging(cfg)

	st, err := store.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	// Sources declared in config may not be mirrored yet if the station
	// never ran.
	if err := seedSources(ctx, st, cfg.Sources); err != nil {
		return err
	}

	sources, err := st.ListSources(ctx)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}

	data, err := opml.Export(sources)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	n := 0
	for _, s := range sources {
		if s.Type == source.TypeRSS {
			n++
		}
	}
	fmt.Printf("exported %d RSS sources to %s\n", n, path)
	return nil
}
