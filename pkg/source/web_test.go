package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `<html><body>
<div class="story">
  <h2 class="headline">First story</h2>
  <a href="/stories/1">lire la suite</a>
  <p class="teaser">Teaser one.</p>
  <img src="/img/1.jpg"/>
</div>
<div class="story">
  <h2 class="headline">Second story</h2>
  <a href="https://other.example.com/2">lire la suite</a>
  <p class="teaser">Teaser two.</p>
</div>
<div class="story">
  <p class="teaser">neither title nor link</p>
</div>
</body></html>`

func webServer(t *testing.T, page string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebCollect(t *testing.T) {
	srv := webServer(t, samplePage)
	c := NewWebCollector(testClient())
	src := testSource(TypeWeb, srv.URL, map[string]any{
		"item_selector":    ".story",
		"title_selector":   ".headline",
		"summary_selector": ".teaser",
	})

	items, err := c.Collect(context.Background(), src)
	require.NoError(t, err)

	// The entry with neither title nor link is skipped.
	require.Len(t, items, 2)

	first := items[0]
	assert.Equal(t, "First story", first.Title)
	assert.Equal(t, srv.URL+"/stories/1", first.URL)
	assert.Equal(t, "Teaser one.", first.Summary)
	assert.Equal(t, "Teaser one.", first.Content)
	assert.Equal(t, srv.URL+"/img/1.jpg", first.ImageURL)
	assert.Equal(t, SynthesizeGUID(first.Title, first.URL), first.GUID)
	assert.Equal(t, "web", first.Extra["platform"])

	second := items[1]
	assert.Equal(t, "Second story", second.Title)
	assert.Equal(t, "https://other.example.com/2", second.URL)
	assert.Empty(t, second.ImageURL)
}

func TestWebCollectAnchorItems(t *testing.T) {
	page := `<html><body>
	<a class="story-link" href="/a1"><span>Alpha</span></a>
	<a class="story-link" href="/a2"><span>Beta</span></a>
	</body></html>`
	srv := webServer(t, page)

	c := NewWebCollector(testClient())
	src := testSource(TypeWeb, srv.URL, map[string]any{
		"item_selector":  "a.story-link",
		"title_selector": "span",
	})

	items, err := c.Collect(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, items, 2)

	// The item node's own href is used when no url_selector is set.
	assert.Equal(t, "Alpha", items[0].Title)
	assert.Equal(t, srv.URL+"/a1", items[0].URL)
	assert.Equal(t, srv.URL+"/a2", items[1].URL)
}

func TestWebCollectMaxItems(t *testing.T) {
	srv := webServer(t, samplePage)
	c := NewWebCollector(testClient())
	src := testSource(TypeWeb, srv.URL, map[string]any{
		"item_selector":  ".story",
		"title_selector": ".headline",
		"max_items":      1,
	})

	items, err := c.Collect(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "First story", items[0].Title)
}

func TestWebCollectBaseURLOverride(t *testing.T) {
	srv := webServer(t, samplePage)
	c := NewWebCollector(testClient())
	src := testSource(TypeWeb, srv.URL, map[string]any{
		"item_selector":  ".story",
		"title_selector": ".headline",
		"base_url":       "https://canonical.example.com/",
	})

	items, err := c.Collect(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "https://canonical.example.com/stories/1", items[0].URL)
	assert.Equal(t, "https://canonical.example.com/img/1.jpg", items[0].ImageURL)
}

func TestWebCollectRequiresItemSelector(t *testing.T) {
	c := NewWebCollector(testClient())
	src := testSource(TypeWeb, "https://example.com", nil)

	_, err := c.Collect(context.Background(), src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "web source requires item_selector")
}

func TestWebCollectStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	c := NewWebCollector(testClient())
	src := testSource(TypeWeb, srv.URL, map[string]any{"item_selector": ".story"})

	_, err := c.Collect(context.Background(), src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page returned status 404")
}

func TestWebValidate(t *testing.T) {
	srv := webServer(t, samplePage)
	c := NewWebCollector(testClient())

	match := testSource(TypeWeb, srv.URL, map[string]any{"item_selector": ".story"})
	assert.True(t, c.Validate(context.Background(), match))

	noMatch := testSource(TypeWeb, srv.URL, map[string]any{"item_selector": ".missing"})
	assert.False(t, c.Validate(context.Background(), noMatch))

	noSelector := testSource(TypeWeb, srv.URL, nil)
	assert.False(t, c.Validate(context.Background(), noSelector))
}
