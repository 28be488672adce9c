package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelpi/sentinel/internal/transport"
)

// testClient builds a transport client without retries so failure cases
// return immediately.
func testClient() *transport.Client {
	return transport.New(transport.Options{Timeout: 5 * time.Second, Retries: -1})
}

func testSource(typ Type, rawURL string, cfg map[string]any) *Source {
	return &Source{
		ID:      DeriveID("test-source", rawURL),
		Name:    "test-source",
		Type:    typ,
		URL:     rawURL,
		Enabled: true,
		Config:  cfg,
	}
}

func TestDeriveID(t *testing.T) {
	id := DeriveID("Example News", "https://news.example.com/feed")

	assert.Len(t, id, 32)
	assert.Equal(t, id, DeriveID("Example News", "https://news.example.com/feed"))
	assert.NotEqual(t, id, DeriveID("Other Name", "https://news.example.com/feed"))
	assert.NotEqual(t, id, DeriveID("Example News", "https://news.example.com/other"))
}

func TestSynthesizeGUID(t *testing.T) {
	guid := SynthesizeGUID("A title", "https://example.com/a")

	assert.Len(t, guid, 32)
	assert.Equal(t, guid, SynthesizeGUID("A title", "https://example.com/a"))
	assert.NotEqual(t, guid, SynthesizeGUID("A title", "https://example.com/b"))
}

func TestContentHash(t *testing.T) {
	a := CollectedItem{Title: "Reactor restart", Content: "The operator confirmed."}
	b := CollectedItem{Title: "Reactor restart", Content: "The operator confirmed."}
	c := CollectedItem{Title: "Reactor restart", Content: "Different body."}

	assert.Len(t, a.ContentHash(), 64)
	assert.Equal(t, a.ContentHash(), b.ContentHash())
	assert.NotEqual(t, a.ContentHash(), c.ContentHash())
}

func TestNormalize(t *testing.T) {
	t.Run("fills missing fields", func(t *testing.T) {
		item := CollectedItem{URL: "https://example.com/a"}
		item.Normalize()

		assert.Equal(t, DefaultTitle, item.Title)
		assert.Equal(t, SynthesizeGUID(DefaultTitle, "https://example.com/a"), item.GUID)
		assert.WithinDuration(t, time.Now().UTC(), item.CollectedAt, 5*time.Second)
	})

	t.Run("keeps supplied fields", func(t *testing.T) {
		collected := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
		item := CollectedItem{GUID: "guid-1", Title: "Kept", CollectedAt: collected}
		item.Normalize()

		assert.Equal(t, "guid-1", item.GUID)
		assert.Equal(t, "Kept", item.Title)
		assert.Equal(t, collected, item.CollectedAt)
	})
}

func TestInterval(t *testing.T) {
	src := &Source{IntervalMinutes: 15}
	assert.Equal(t, 15*time.Minute, src.Interval())
}

func TestConfigString(t *testing.T) {
	src := &Source{Config: map[string]any{"listing": "top", "empty": "", "num": 3}}

	assert.Equal(t, "top", src.ConfigString("listing", "new"))
	assert.Equal(t, "new", src.ConfigString("empty", "new"))
	assert.Equal(t, "new", src.ConfigString("missing", "new"))
	assert.Equal(t, "new", src.ConfigString("num", "new"))
}

func TestConfigInt(t *testing.T) {
	src := &Source{Config: map[string]any{
		"from_yaml": 25,
		"from_i64":  int64(30),
		"from_json": float64(40),
		"not_num":   "oops",
	}}

	assert.Equal(t, 25, src.ConfigInt("from_yaml", 1))
	assert.Equal(t, 30, src.ConfigInt("from_i64", 1))
	assert.Equal(t, 40, src.ConfigInt("from_json", 1))
	assert.Equal(t, 1, src.ConfigInt("not_num", 1))
	assert.Equal(t, 1, src.ConfigInt("missing", 1))
}

func TestConfigBool(t *testing.T) {
	src := &Source{Config: map[string]any{"on": true, "off": false, "str": "true"}}

	assert.True(t, src.ConfigBool("on", false))
	assert.False(t, src.ConfigBool("off", true))
	assert.True(t, src.ConfigBool("str", true))
	assert.False(t, src.ConfigBool("missing", false))
}

func TestConfigStringMap(t *testing.T) {
	src := &Source{Config: map[string]any{
		"headers": map[string]any{"X-Trace": "1", "Limit": 5},
	}}

	assert.Equal(t, map[string]string{"X-Trace": "1"}, src.ConfigStringMap("headers"))
	assert.Empty(t, src.ConfigStringMap("missing"))
	assert.NotNil(t, src.ConfigStringMap("missing"))
}

type stubCollector struct {
	typ Type
}

func (s *stubCollector) Type() Type { return s.typ }

func (s *stubCollector) Collect(context.Context, *Source) ([]CollectedItem, error) {
	return nil, nil
}

func (s *stubCollector) Validate(context.Context, *Source) bool { return true }

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.Empty(t, reg.Types())

	first := &stubCollector{typ: TypeRSS}
	reg.Register(first)
	reg.Register(&stubCollector{typ: TypeReddit})

	got, ok := reg.Get(TypeRSS)
	require.True(t, ok)
	assert.Same(t, first, got)

	_, ok = reg.Get(TypeWeb)
	assert.False(t, ok)

	// Later registrations replace earlier ones.
	second := &stubCollector{typ: TypeRSS}
	reg.Register(second)
	got, ok = reg.Get(TypeRSS)
	require.True(t, ok)
	assert.Same(t, second, got)

	assert.ElementsMatch(t, []Type{TypeRSS, TypeReddit}, reg.Types())
}

func TestAllTypes(t *testing.T) {
	assert.Equal(t, []Type{TypeRSS, TypeReddit, TypeYouTube, TypeWeb, TypeMastodon, TypeCustom}, AllTypes())
}

func TestCollectorError(t *testing.T) {
	src := &Source{ID: "src-1"}

	cause := errors.New("connection refused")
	err := Errf(src, cause, "fetch r/%s", "golang")
	assert.EqualError(t, err, "fetch r/golang (source src-1): connection refused")
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.ErrorIs(t, err, cause)

	bare := Errf(src, nil, "feed returned status %d", 404)
	assert.EqualError(t, bare, "feed returned status 404 (source src-1)")
	assert.Nil(t, errors.Unwrap(bare))
}
