package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sentinelpi/sentinel/internal/store"
	"github.com/sentinelpi/sentinel/pkg/source"
)

// fakeChannel records every group the dispatcher hands it.
type fakeChannel struct {
	name       string
	enabled    bool
	minSev     Severity
	aggregates bool
	err        error

	mu   sync.Mutex
	sent []*Aggregated
}

func (f *fakeChannel) Name() string          { return f.name }
func (f *fakeChannel) Enabled() bool         { return f.enabled }
func (f *fakeChannel) MinSeverity() Severity { return f.minSev }
func (f *fakeChannel) Aggregates() bool      { return f.aggregates }

func (f *fakeChannel) Send(_ context.Context, group *Aggregated) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, group)
	return nil
}

func (f *fakeChannel) groups() []*Aggregated {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Aggregated, len(f.sent))
	copy(out, f.sent)
	return out
}

type gappedChannel struct {
	fakeChannel
	gap time.Duration
}

func (g *gappedChannel) MinGap() time.Duration { return g.gap }

func newAlertStore(t *testing.T) (store.Store, *source.Source) {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	src := &source.Source{
		ID:      source.DeriveID("wire", "https://wire.example.com/feed"),
		Name:    "wire",
		Type:    source.TypeRSS,
		URL:     "https://wire.example.com/feed",
		Enabled: true,
	}
	require.NoError(t, st.UpsertSource(context.Background(), src))
	return st, src
}

// stageAlert persists one item with its pending alert row and returns the
// payload the scheduler would enqueue for it.
func stageAlert(t *testing.T, st store.Store, src *source.Source, guid, filterID string, sev Severity) Payload {
	t.Helper()
	itemID := uuid.NewString()
	alertID := uuid.NewString()
	require.NoError(t, st.CommitCycle(context.Background(), &store.Cycle{
		Source: src,
		Items: []source.Item{{
			ID:          itemID,
			SourceID:    src.ID,
			GUID:        guid,
			Title:       "item " + guid,
			ContentHash: "hash-" + guid,
			Status:      source.StatusNew,
			CollectedAt: time.Now().UTC(),
		}},
		Alerts: []store.Alert{{
			ID:       alertID,
			ItemID:   itemID,
			FilterID: filterID,
			Severity: sev.String(),
		}},
		Log: store.CollectionLog{SourceID: src.ID, Success: true, ItemsCollected: 1, ItemsNew: 1},
	}))
	return Payload{
		AlertID:    alertID,
		ItemID:     itemID,
		FilterID:   filterID,
		FilterName: "rule-" + filterID,
		Severity:   sev,
		Title:      "item " + guid,
		URL:        "https://wire.example.com/" + guid,
		SourceName: src.Name,
		CreatedAt:  time.Now().UTC(),
	}
}

// startDispatcher serves d for the duration of the test.
func startDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func alertState(t *testing.T, st store.Store, alertID string) string {
	t.Helper()
	a, err := st.GetAlert(context.Background(), alertID)
	require.NoError(t, err)
	return a.State
}

func testOptions() Options {
	return Options{Window: time.Minute, MinGap: time.Millisecond, DrainTimeout: 5 * time.Second}
}

func TestDispatcherAggregatesWindow(t *testing.T) {
	ctx := context.Background()
	st, src := newAlertStore(t)
	ch := &fakeChannel{name: "fake", enabled: true, aggregates: true}
	d := NewDispatcher(st, []Channel{ch}, testOptions())
	startDispatcher(t, d)

	p1 := stageAlert(t, st, src, "g1", "f1", SeverityNotice)
	p2 := stageAlert(t, st, src, "g2", "f1", SeverityNotice)

	d.Enqueue(p1, p2)
	require.NoError(t, d.Flush(ctx))

	groups := ch.groups()
	require.Len(t, groups, 1, "same filter and severity share one window")
	assert.Len(t, groups[0].Items, 2)
	assert.Equal(t, Key{FilterID: "f1", Severity: SeverityNotice}, groups[0].Key)

	assert.Equal(t, store.AlertDelivered, alertState(t, st, p1.AlertID))
	assert.Equal(t, store.AlertDelivered, alertState(t, st, p2.AlertID))

	require.NoError(t, d.Flush(ctx), "flushing empty windows is a no-op")
	assert.Len(t, ch.groups(), 1)
}

func TestDispatcherSplitsWindowsByKey(t *testing.T) {
	ctx := context.Background()
	st, src := newAlertStore(t)
	ch := &fakeChannel{name: "fake", enabled: true, aggregates: true}
	d := NewDispatcher(st, []Channel{ch}, testOptions())
	startDispatcher(t, d)

	d.Enqueue(
		stageAlert(t, st, src, "g1", "f1", SeverityNotice),
		stageAlert(t, st, src, "g2", "f2", SeverityNotice),
		stageAlert(t, st, src, "g3", "f1", SeverityWarning),
	)
	require.NoError(t, d.Flush(ctx))

	groups := ch.groups()
	require.Len(t, groups, 3)
	keys := make(map[Key]int)
	for _, g := range groups {
		keys[g.Key] += len(g.Items)
	}
	assert.Equal(t, map[Key]int{
		{FilterID: "f1", Severity: SeverityNotice}:  1,
		{FilterID: "f2", Severity: SeverityNotice}:  1,
		{FilterID: "f1", Severity: SeverityWarning}: 1,
	}, keys)
}

func TestDispatcherAtMostOncePerChannel(t *testing.T) {
	ctx := context.Background()
	st, src := newAlertStore(t)
	ch := &fakeChannel{name: "fake", enabled: true, aggregates: true}
	d := NewDispatcher(st, []Channel{ch}, testOptions())
	startDispatcher(t, d)

	p := stageAlert(t, st, src, "g1", "f1", SeverityNotice)
	d.Enqueue(p)
	require.NoError(t, d.Flush(ctx))
	require.Len(t, ch.groups(), 1)

	// A payload that was already delivered on this channel is filtered
	// out, not sent twice.
	d.Enqueue(p)
	require.NoError(t, d.Flush(ctx))
	assert.Len(t, ch.groups(), 1)

	a, err := st.GetAlert(ctx, p.AlertID)
	require.NoError(t, err)
	require.Len(t, a.DeliveredChannels, 1, "exactly one delivery row")
	assert.True(t, a.DeliveredChannels[0].OK)
	assert.Equal(t, "fake", a.DeliveredChannels[0].Channel)
}

func TestDispatcherSeverityGate(t *testing.T) {
	ctx := context.Background()
	st, src := newAlertStore(t)
	ch := &fakeChannel{name: "strict", enabled: true, minSev: SeverityWarning, aggregates: true}
	d := NewDispatcher(st, []Channel{ch}, testOptions())
	startDispatcher(t, d)

	quiet := stageAlert(t, st, src, "g1", "f1", SeverityNotice)
	loud := stageAlert(t, st, src, "g2", "f1", SeverityCritical)
	d.Enqueue(quiet, loud)
	require.NoError(t, d.Flush(ctx))

	groups := ch.groups()
	require.Len(t, groups, 1)
	assert.Equal(t, SeverityCritical, groups[0].Key.Severity)

	assert.Equal(t, store.AlertSuppressed, alertState(t, st, quiet.AlertID),
		"an alert no channel accepts ends suppressed")
	assert.Equal(t, store.AlertDelivered, alertState(t, st, loud.AlertID))
}

func TestDispatcherFansOutPerPayload(t *testing.T) {
	ctx := context.Background()
	st, src := newAlertStore(t)
	ch := &fakeChannel{name: "bubble", enabled: true, aggregates: false}
	d := NewDispatcher(st, []Channel{ch}, testOptions())
	startDispatcher(t, d)

	d.Enqueue(
		stageAlert(t, st, src, "g1", "f1", SeverityNotice),
		stageAlert(t, st, src, "g2", "f1", SeverityNotice),
		stageAlert(t, st, src, "g3", "f1", SeverityNotice),
	)
	require.NoError(t, d.Flush(ctx))

	groups := ch.groups()
	require.Len(t, groups, 3, "non-aggregating channels get one group per payload")
	for _, g := range groups {
		assert.NotNil(t, g.Single())
	}
}

func TestDispatcherRecordsFailure(t *testing.T) {
	ctx := context.Background()
	st, src := newAlertStore(t)
	down := &fakeChannel{name: "down", enabled: true, aggregates: true, err: errors.New("boom")}
	up := &fakeChannel{name: "up", enabled: true, aggregates: true}
	d := NewDispatcher(st, []Channel{down, up}, testOptions())
	startDispatcher(t, d)

	p := stageAlert(t, st, src, "g1", "f1", SeverityNotice)
	d.Enqueue(p)
	require.NoError(t, d.Flush(ctx))

	require.Len(t, up.groups(), 1)
	assert.Equal(t, store.AlertDelivered, alertState(t, st, p.AlertID),
		"one successful channel is enough to count as delivered")

	a, err := st.GetAlert(ctx, p.AlertID)
	require.NoError(t, err)
	require.Len(t, a.DeliveredChannels, 2)
	assert.False(t, a.DeliveredChannels[0].OK)
	assert.Equal(t, "boom", a.DeliveredChannels[0].Error)
	assert.True(t, a.DeliveredChannels[1].OK)
}

func TestDispatcherMarksFailedWhenEverySendFails(t *testing.T) {
	ctx := context.Background()
	st, src := newAlertStore(t)
	down := &fakeChannel{name: "down", enabled: true, aggregates: true, err: errors.New("boom")}
	d := NewDispatcher(st, []Channel{down}, testOptions())
	startDispatcher(t, d)

	p := stageAlert(t, st, src, "g1", "f1", SeverityNotice)
	d.Enqueue(p)
	require.NoError(t, d.Flush(ctx))

	assert.Equal(t, store.AlertFailed, alertState(t, st, p.AlertID))
}

func TestDispatcherSkipsDisabledChannels(t *testing.T) {
	ctx := context.Background()
	st, src := newAlertStore(t)
	off := &fakeChannel{name: "off", enabled: false, aggregates: true}
	d := NewDispatcher(st, []Channel{off}, testOptions())
	startDispatcher(t, d)

	p := stageAlert(t, st, src, "g1", "f1", SeverityNotice)
	d.Enqueue(p)
	require.NoError(t, d.Flush(ctx))

	assert.Empty(t, off.groups())
	assert.Equal(t, store.AlertSuppressed, alertState(t, st, p.AlertID))
}

func TestDispatcherTimerFlush(t *testing.T) {
	st, src := newAlertStore(t)
	ch := &fakeChannel{name: "fake", enabled: true, aggregates: true}
	d := NewDispatcher(st, []Channel{ch}, Options{Window: 30 * time.Millisecond, MinGap: time.Millisecond})
	startDispatcher(t, d)

	d.Enqueue(stageAlert(t, st, src, "g1", "f1", SeverityNotice))

	require.Eventually(t, func() bool {
		return len(ch.groups()) == 1
	}, 3*time.Second, 10*time.Millisecond, "window flushes on its own once the timer fires")
}

func TestDispatcherDrainsOnShutdown(t *testing.T) {
	st, src := newAlertStore(t)
	ch := &fakeChannel{name: "fake", enabled: true, aggregates: true}
	d := NewDispatcher(st, []Channel{ch}, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()

	p := stageAlert(t, st, src, "g1", "f1", SeverityNotice)
	d.Enqueue(p)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, ch.groups(), 1, "open windows deliver during shutdown")
	assert.Equal(t, store.AlertDelivered, alertState(t, st, p.AlertID))
}

func TestDispatcherFlushWithCanceledContext(t *testing.T) {
	st, _ := newAlertStore(t)
	d := NewDispatcher(st, nil, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Flush(ctx), context.Canceled)
}

func TestDispatcherChannelMinGapOverride(t *testing.T) {
	st, _ := newAlertStore(t)
	plain := &fakeChannel{name: "plain", enabled: true, aggregates: true}
	gapped := &gappedChannel{fakeChannel: fakeChannel{name: "gapped", enabled: true, aggregates: true}, gap: 50 * time.Millisecond}

	d := NewDispatcher(st, []Channel{plain, gapped}, Options{MinGap: 10 * time.Millisecond})

	assert.Equal(t, rate.Every(10*time.Millisecond), d.limiters["plain"].Limit())
	assert.Equal(t, rate.Every(50*time.Millisecond), d.limiters["gapped"].Limit())
}
