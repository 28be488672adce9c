package alert

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/sentinelpi/sentinel/internal/logging"
	"github.com/sentinelpi/sentinel/internal/metrics"
	"github.com/sentinelpi/sentinel/internal/store"
)

// Channel is one delivery backend. Implementations format an aggregated
// group for their medium and transmit it; the dispatcher owns routing,
// gating, deduplication and rate limiting.
type Channel interface {
	Name() string
	Enabled() bool
	MinSeverity() Severity
	// Aggregates reports whether the channel accepts grouped payloads.
	// When false the dispatcher sends one group per payload.
	Aggregates() bool
	Send(ctx context.Context, group *Aggregated) error
}

// rateLimited lets a channel declare its own minimum gap between sends,
// overriding Options.MinGap.
type rateLimited interface {
	MinGap() time.Duration
}

// Options tunes the dispatcher. Zero values take the defaults below.
type Options struct {
	// Window is how long a new (filter, severity) group collects
	// payloads before flushing.
	Window time.Duration
	// SendTimeout bounds a single Channel.Send call.
	SendTimeout time.Duration
	// MinGap spaces consecutive sends on the same channel.
	MinGap time.Duration
	// DrainTimeout bounds delivery of open windows at shutdown.
	DrainTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = time.Minute
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 15 * time.Second
	}
	if o.MinGap <= 0 {
		o.MinGap = 100 * time.Millisecond
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 30 * time.Second
	}
	return o
}

// window accumulates payloads for one Key until its timer fires.
type window struct {
	key     Key
	items   []Payload
	firstAt time.Time
	timer   *time.Timer
}

// Dispatcher batches alert payloads into aggregation windows and fans
// each flushed window out to the registered channels. All window state
// is owned by the Serve goroutine; Enqueue and Flush communicate with it
// over channels, so both are safe from any goroutine.
//
// Delivery is at-most-once per (alert, channel): a send that already
// succeeded for a channel is never repeated, and failed sends are
// recorded but not retried. Channel errors never propagate to callers.
type Dispatcher struct {
	store    store.Store
	channels []Channel
	opts     Options
	limiters map[string]*rate.Limiter

	enqueueCh chan []Payload
	flushCh   chan Key
	drainCh   chan chan struct{}
}

// NewDispatcher wires the channels to the alert store. Disabled channels
// may be included; they are skipped at delivery time.
func NewDispatcher(st store.Store, channels []Channel, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	limiters := make(map[string]*rate.Limiter, len(channels))
	for _, ch := range channels {
		gap := opts.MinGap
		if rl, ok := ch.(rateLimited); ok && rl.MinGap() > 0 {
			gap = rl.MinGap()
		}
		limiters[ch.Name()] = rate.NewLimiter(rate.Every(gap), 1)
	}
	return &Dispatcher{
		store:     st,
		channels:  channels,
		opts:      opts,
		limiters:  limiters,
		enqueueCh: make(chan []Payload, 256),
		flushCh:   make(chan Key),
		drainCh:   make(chan chan struct{}),
	}
}

func (d *Dispatcher) String() string { return "alert.dispatcher" }

// Enqueue stages payloads for delivery. The dispatcher must be serving;
// payloads queue in a buffer until the Serve loop picks them up.
func (d *Dispatcher) Enqueue(payloads ...Payload) {
	if len(payloads) == 0 {
		return
	}
	d.enqueueCh <- payloads
}

// Flush delivers every open window immediately, without waiting for the
// aggregation timers. Single-shot runs call it before exiting.
func (d *Dispatcher) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case d.drainCh <- done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve runs the dispatch loop until ctx is canceled, then drains open
// windows so staged alerts are not lost on shutdown.
func (d *Dispatcher) Serve(ctx context.Context) error {
	windows := make(map[Key]*window)
	stop := make(chan struct{})
	defer close(stop)

	for {
		select {
		case <-ctx.Done():
			d.absorb(windows, stop)
			d.drainAll(windows)
			return ctx.Err()
		case batch := <-d.enqueueCh:
			for i := range batch {
				d.stage(windows, batch[i], stop)
			}
		case key := <-d.flushCh:
			if w, ok := windows[key]; ok {
				delete(windows, key)
				d.deliver(ctx, w)
			}
		case done := <-d.drainCh:
			d.absorb(windows, stop)
			d.drainAll(windows)
			close(done)
		}
	}
}

// stage appends a payload to its window, opening the window and arming
// its flush timer on first use.
func (d *Dispatcher) stage(windows map[Key]*window, p Payload, stop <-chan struct{}) {
	key := Key{FilterID: p.FilterID, Severity: p.Severity}
	w, ok := windows[key]
	if !ok {
		w = &window{key: key, firstAt: time.Now()}
		w.timer = time.AfterFunc(d.opts.Window, func() {
			select {
			case d.flushCh <- key:
			case <-stop:
			}
		})
		windows[key] = w
		logging.Debug().
			Str("filter", p.FilterName).
			Str("severity", key.Severity.String()).
			Msg("aggregation window opened")
	}
	w.items = append(w.items, p)
}

// absorb pulls everything already sitting in the intake buffer so a
// Flush right after an Enqueue sees those payloads.
func (d *Dispatcher) absorb(windows map[Key]*window, stop <-chan struct{}) {
	for {
		select {
		case batch := <-d.enqueueCh:
			for i := range batch {
				d.stage(windows, batch[i], stop)
			}
		default:
			return
		}
	}
}

func (d *Dispatcher) drainAll(windows map[Key]*window) {
	if len(windows) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.DrainTimeout)
	defer cancel()
	for key, w := range windows {
		w.timer.Stop()
		delete(windows, key)
		d.deliver(ctx, w)
	}
}

// deliver fans one window out to every eligible channel, then resolves
// the terminal state of each alert in the window.
func (d *Dispatcher) deliver(ctx context.Context, w *window) {
	succeeded := make(map[string]bool)
	attempted := make(map[string]bool)

	for _, ch := range d.channels {
		if !ch.Enabled() {
			continue
		}
		if !w.key.Severity.AtLeast(ch.MinSeverity()) {
			logging.Debug().
				Str("channel", ch.Name()).
				Str("severity", w.key.Severity.String()).
				Msg("below channel severity gate")
			continue
		}
		if ch.Aggregates() {
			pending := d.pending(ctx, ch, w.items)
			if len(pending) == 0 {
				continue
			}
			group := &Aggregated{Key: w.key, Items: pending, FirstAt: w.firstAt}
			err := d.send(ctx, ch, group)
			d.record(ctx, ch, pending, err, succeeded, attempted)
		} else {
			for _, p := range d.pending(ctx, ch, w.items) {
				group := &Aggregated{Key: w.key, Items: []Payload{p}, FirstAt: w.firstAt}
				err := d.send(ctx, ch, group)
				d.record(ctx, ch, group.Items, err, succeeded, attempted)
			}
		}
	}

	for i := range w.items {
		id := w.items[i].AlertID
		state := store.AlertSuppressed
		switch {
		case succeeded[id]:
			state = store.AlertDelivered
		case attempted[id]:
			state = store.AlertFailed
		}
		if err := d.store.SetAlertState(ctx, id, state); err != nil {
			logging.Error().Err(err).Str("alert", id).Msg("set alert state")
		}
	}

	logging.Info().
		Str("filter", w.key.FilterID).
		Str("severity", w.key.Severity.String()).
		Int("alerts", len(w.items)).
		Msg("alert window flushed")
}

// pending filters out payloads this channel already delivered. Failed
// earlier attempts stay eligible.
func (d *Dispatcher) pending(ctx context.Context, ch Channel, items []Payload) []Payload {
	out := make([]Payload, 0, len(items))
	for _, p := range items {
		done, err := d.store.AlertDelivered(ctx, p.AlertID, ch.Name())
		if err != nil {
			logging.Error().Err(err).Str("alert", p.AlertID).Msg("check delivery state")
		}
		if !done {
			out = append(out, p)
		}
	}
	return out
}

func (d *Dispatcher) send(ctx context.Context, ch Channel, group *Aggregated) error {
	if err := d.limiters[ch.Name()].Wait(ctx); err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()
	return ch.Send(sctx, group)
}

// record writes one delivery row per alert and tracks the per-alert
// outcome for state resolution.
func (d *Dispatcher) record(ctx context.Context, ch Channel, items []Payload, sendErr error, succeeded, attempted map[string]bool) {
	ok := sendErr == nil
	metrics.AlertSent(ch.Name(), ok)
	if sendErr != nil {
		logging.Error().
			Err(sendErr).
			Str("channel", ch.Name()).
			Int("alerts", len(items)).
			Msg("channel send failed")
	}
	var errMsg string
	if sendErr != nil {
		errMsg = sendErr.Error()
	}
	for i := range items {
		id := items[i].AlertID
		attempted[id] = true
		if ok {
			succeeded[id] = true
		}
		if err := d.store.RecordAlertDelivery(ctx, id, ch.Name(), ok, errMsg); err != nil {
			logging.Error().Err(err).Str("alert", id).Msg("record delivery")
		}
	}
}
