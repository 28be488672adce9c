package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTimeline = `[
  {"id": "114000001", "created_at": "2026-02-01T09:30:00.000Z",
   "content": "<p>Plasma milestone reached at the <a href=\"#\">lab</a>.</p>",
   "spoiler_text": "", "url": "https://mastodon.example/@lab/114000001", "language": "fr",
   "account": {"acct": "lab@mastodon.example", "username": "lab", "display_name": "The Lab"},
   "media_attachments": [{"type": "image", "url": "https://files.example/m1.png",
                          "preview_url": "https://files.example/m1s.png"}],
   "tags": [{"name": "fusion"}, {"name": "energy"}],
   "reblogs_count": 5, "favourites_count": 12},
  {"id": "114000002", "created_at": "2026-02-01T10:00:00.000Z",
   "content": "<p>body behind a warning</p>", "spoiler_text": "Content warning headline",
   "url": "https://mastodon.example/@lab/114000002",
   "account": {"acct": "lab"}, "media_attachments": [],
   "reblogs_count": 0, "favourites_count": 0},
  {"id": "114000003", "created_at": "2026-02-01T11:00:00.000Z",
   "content": "<p>third status</p>", "url": "https://mastodon.example/@lab/114000003",
   "account": {"acct": "lab"}}
]`

func mastodonServer(t *testing.T) (*httptest.Server, *string) {
	t.Helper()
	var gotURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sampleTimeline))
	}))
	t.Cleanup(srv.Close)
	return srv, &gotURL
}

func TestMastodonCollect(t *testing.T) {
	srv, gotURL := mastodonServer(t)
	c := NewMastodonCollector(testClient())
	src := testSource(TypeMastodon, srv.URL, map[string]any{"tag": "fusion"})

	items, err := c.Collect(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/timelines/tag/fusion?limit=40", *gotURL)
	require.Len(t, items, 3)

	post := items[0]
	assert.Equal(t, "114000001", post.GUID)
	assert.Equal(t, "Plasma milestone reached at the lab.", post.Title)
	assert.Equal(t, "https://mastodon.example/@lab/114000001", post.URL)
	assert.Equal(t, "lab@mastodon.example", post.Author)
	assert.Equal(t, "Plasma milestone reached at the lab.", post.Content)
	assert.Equal(t, "fr", post.Language)
	require.NotNil(t, post.PublishedAt)
	assert.Equal(t, time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC), *post.PublishedAt)
	assert.Equal(t, "https://files.example/m1.png", post.ImageURL)
	assert.Equal(t, []string{"https://files.example/m1.png"}, post.MediaURLs)
	assert.Equal(t, "mastodon", post.Extra["platform"])
	assert.Equal(t, []string{"fusion", "energy"}, post.Extra["tags"])
	assert.Equal(t, 5, post.Extra["boosts"])
	assert.Equal(t, 12, post.Extra["favourites"])

	// The content warning stands in for the missing title.
	assert.Equal(t, "Content warning headline", items[1].Title)
	assert.Equal(t, "body behind a warning", items[1].Content)
}

func TestMastodonCollectMaxItems(t *testing.T) {
	srv, gotURL := mastodonServer(t)
	c := NewMastodonCollector(testClient())
	src := testSource(TypeMastodon, srv.URL, map[string]any{"max_items": 2})

	items, err := c.Collect(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/timelines/public?limit=2&local=true", *gotURL)
	assert.Len(t, items, 2)
}

func TestMastodonCollectStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	c := NewMastodonCollector(testClient())
	_, err := c.Collect(context.Background(), testSource(TypeMastodon, srv.URL, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeline returned status 404")
}

func TestMastodonEndpoint(t *testing.T) {
	tests := []struct {
		name string
		url  string
		cfg  map[string]any
		want string
	}{
		{
			name: "tag from config",
			url:  "https://mastodon.example",
			cfg:  map[string]any{"tag": "fusion"},
			want: "https://mastodon.example/api/v1/timelines/tag/fusion?limit=40",
		},
		{
			name: "tag with local flag",
			url:  "https://mastodon.example",
			cfg:  map[string]any{"tag": "fusion", "local": true},
			want: "https://mastodon.example/api/v1/timelines/tag/fusion?limit=40&local=true",
		},
		{
			name: "tag from url path",
			url:  "https://mastodon.example/tags/energie/",
			cfg:  nil,
			want: "https://mastodon.example/api/v1/timelines/tag/energie?limit=40",
		},
		{
			name: "account statuses",
			url:  "https://mastodon.example",
			cfg:  map[string]any{"account_id": "123"},
			want: "https://mastodon.example/api/v1/accounts/123/statuses?limit=40&exclude_replies=true",
		},
		{
			name: "public timeline default",
			url:  "https://mastodon.example",
			cfg:  nil,
			want: "https://mastodon.example/api/v1/timelines/public?limit=40&local=true",
		},
		{
			name: "limit capped at the api page size",
			url:  "https://mastodon.example",
			cfg:  map[string]any{"max_items": 80},
			want: "https://mastodon.example/api/v1/timelines/public?limit=40&local=true",
		},
		{
			name: "small limit passed through",
			url:  "https://mastodon.example",
			cfg:  map[string]any{"tag": "fusion", "max_items": 10},
			want: "https://mastodon.example/api/v1/timelines/tag/fusion?limit=10",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mastodonEndpoint(testSource(TypeMastodon, tt.url, tt.cfg))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("unparseable instance url", func(t *testing.T) {
		_, err := mastodonEndpoint(testSource(TypeMastodon, "://bad", nil))
		assert.Error(t, err)
	})
}

func TestNormalizeStatus(t *testing.T) {
	t.Run("long content becomes a truncated title", func(t *testing.T) {
		st := mastodonStatus{ID: "1", Content: "<p>" + strings.Repeat("mot ", 60) + "</p>"}
		item := normalizeStatus(st)

		assert.Len(t, []rune(item.Title), 123)
		assert.True(t, strings.HasSuffix(item.Title, "..."))
	})

	t.Run("preview url stands in for a missing media url", func(t *testing.T) {
		st := mastodonStatus{ID: "2", Content: "<p>x</p>"}
		st.MediaAttachments = []struct {
			Type       string `json:"type"`
			URL        string `json:"url"`
			PreviewURL string `json:"preview_url"`
		}{{Type: "image", PreviewURL: "https://files.example/preview.png"}}

		item := normalizeStatus(st)
		assert.Equal(t, "https://files.example/preview.png", item.ImageURL)
		assert.Equal(t, []string{"https://files.example/preview.png"}, item.MediaURLs)
	})

	t.Run("bad created_at leaves published nil", func(t *testing.T) {
		st := mastodonStatus{ID: "3", Content: "<p>x</p>", CreatedAt: "yesterday"}
		assert.Nil(t, normalizeStatus(st).PublishedAt)
	})
}
