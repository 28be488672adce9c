package source

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func customServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCustomCollect(t *testing.T) {
	srv := customServer(t, `{"data": {"items": [
	  {"id": 17, "title": "First entry", "url": "https://api.example.com/e/17",
	   "description": "Entry summary.", "content": "<p>Entry <b>body</b>.</p>",
	   "author": {"name": "Ada"}, "published_at": 1767225600,
	   "score": 4.5, "nested": {"x": 1}},
	  {"name": "Second entry", "link": "https://api.example.com/e/18",
	   "by": "grace", "date": "2026-02-01T08:00:00Z"},
	  {"note": "no identity at all"}
	]}}`)

	c := NewCustomCollector(testClient())
	src := testSource(TypeCustom, srv.URL, map[string]any{"items_path": "data.items"})

	items, err := c.Collect(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, items, 3)

	first := items[0]
	assert.Equal(t, "17", first.GUID)
	assert.Equal(t, "First entry", first.Title)
	assert.Equal(t, "https://api.example.com/e/17", first.URL)
	assert.Equal(t, "Ada", first.Author)
	assert.Equal(t, "Entry body.", first.Content)
	assert.Equal(t, "Entry summary.", first.Summary)
	require.NotNil(t, first.PublishedAt)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), *first.PublishedAt)
	assert.Equal(t, "custom", first.Extra["platform"])

	// Only scalar fields survive into the raw extra payload.
	raw, ok := first.Extra["raw"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 4.5, raw["score"])
	assert.Equal(t, "First entry", raw["title"])
	assert.NotContains(t, raw, "nested")
	assert.NotContains(t, raw, "author")

	second := items[1]
	assert.Equal(t, "Second entry", second.Title)
	assert.Equal(t, "https://api.example.com/e/18", second.URL)
	assert.Equal(t, "grace", second.Author)
	require.NotNil(t, second.PublishedAt)
	assert.Equal(t, time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC), *second.PublishedAt)

	// Entries without any identifying key get a synthesized hash GUID.
	third := items[2]
	assert.Equal(t, DefaultTitle, third.Title)
	assert.Len(t, third.GUID, 32)
}

func TestCustomCollectMapping(t *testing.T) {
	srv := customServer(t, `[
	  {"slug": "s-1", "headline": "Mapped entry", "permalink": "https://x.example.com/1", "id": "ignored"}
	]`)

	c := NewCustomCollector(testClient())
	src := testSource(TypeCustom, srv.URL, map[string]any{
		"mapping": map[string]any{
			"guid":  "slug",
			"title": "headline",
			"url":   "permalink",
		},
	})

	items, err := c.Collect(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, items, 1)

	// The mapping wins over the default key chain.
	assert.Equal(t, "s-1", items[0].GUID)
	assert.Equal(t, "Mapped entry", items[0].Title)
	assert.Equal(t, "https://x.example.com/1", items[0].URL)
}

func TestCustomCollectMaxItems(t *testing.T) {
	srv := customServer(t, `[{"id": "a", "title": "A"}, {"id": "b", "title": "B"}, {"id": "c", "title": "C"}]`)

	c := NewCustomCollector(testClient())
	src := testSource(TypeCustom, srv.URL, map[string]any{"max_items": 2})

	items, err := c.Collect(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, items, 2)
}

func TestCustomCollectSkipsNonObjects(t *testing.T) {
	srv := customServer(t, `[{"id": "a", "title": "A"}, "just a string", 42]`)

	c := NewCustomCollector(testClient())
	items, err := c.Collect(context.Background(), testSource(TypeCustom, srv.URL, nil))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "A", items[0].Title)
}

func TestCustomFetchRequest(t *testing.T) {
	type captured struct {
		method  string
		headers http.Header
		body    string
	}
	var got captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = captured{method: r.Method, headers: r.Header.Clone(), body: string(body)}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id": "a", "title": "A"}]`))
	}))
	t.Cleanup(srv.Close)

	c := NewCustomCollector(testClient())
	src := testSource(TypeCustom, srv.URL, map[string]any{
		"method":     "post",
		"body":       map[string]any{"query": "fusion"},
		"headers":    map[string]any{"X-Trace": "1"},
		"auth_token": "tok-123",
		"api_key":    "key-456",
	})

	items, err := c.Collect(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, items, 1)

	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "Bearer tok-123", got.headers.Get("Authorization"))
	assert.Equal(t, "key-456", got.headers.Get("X-API-Key"))
	assert.Equal(t, "1", got.headers.Get("X-Trace"))
	assert.Equal(t, "application/json", got.headers.Get("Content-Type"))
	assert.JSONEq(t, `{"query": "fusion"}`, got.body)
}

func TestCustomCollectItemsPathError(t *testing.T) {
	srv := customServer(t, `{"items": {"not": "a list"}}`)

	c := NewCustomCollector(testClient())
	src := testSource(TypeCustom, srv.URL, map[string]any{"items_path": "items"})

	_, err := c.Collect(context.Background(), src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `resolve items_path "items"`)
	assert.Contains(t, err.Error(), "expected a list")
}

func TestCustomCollectStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	c := NewCustomCollector(testClient())
	_, err := c.Collect(context.Background(), testSource(TypeCustom, srv.URL, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "custom API returned status 403")
}

func TestCustomValidate(t *testing.T) {
	srv := customServer(t, `[]`)
	c := NewCustomCollector(testClient())
	assert.True(t, c.Validate(context.Background(), testSource(TypeCustom, srv.URL, nil)))

	gone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(gone.Close)
	assert.False(t, c.Validate(context.Background(), testSource(TypeCustom, gone.URL, nil)))
}

func TestParseCustomTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"2026-02-01T08:00:00Z", time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC), true},
		{"2026-02-01 08:00:00", time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC), true},
		{"2026-02-01", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), true},
		{"Mon, 02 Feb 2026 10:00:00 +0000", time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC), true},
		{" 2026-02-01 ", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), true},
		{"yesterday", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseCustomTime(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestStringValue(t *testing.T) {
	assert.Equal(t, "", stringValue(nil))
	assert.Equal(t, "plain", stringValue("plain"))
	assert.Equal(t, "3", stringValue(float64(3)))
	assert.Equal(t, "3.5", stringValue(3.5))
	assert.Equal(t, "true", stringValue(true))
}
