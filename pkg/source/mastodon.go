package source

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/sentinelpi/sentinel/internal/transport"
)

// MastodonCollector polls an instance's public timelines.
//
// The source URL is the instance base (https://mastodon.example) or a
// /tags/<tag> page. Config keys: tag (hashtag mode), account_id (account
// statuses mode), max_items (default 40, API cap per page), local
// (default false, hashtag mode only).
type MastodonCollector struct {
	client *transport.Client
}

// NewMastodonCollector creates the Mastodon collector.
func NewMastodonCollector(client *transport.Client) *MastodonCollector {
	return &MastodonCollector{client: client}
}

func (c *MastodonCollector) Type() Type { return TypeMastodon }

func (c *MastodonCollector) Collect(ctx context.Context, src *Source) ([]CollectedItem, error) {
	endpoint, err := mastodonEndpoint(src)
	if err != nil {
		return nil, Errf(src, err, "resolve timeline endpoint")
	}

	resp, err := c.client.Get(ctx, endpoint)
	if err != nil {
		return nil, Errf(src, err, "fetch timeline")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, Errf(src, nil, "timeline returned status %d", resp.StatusCode)
	}

	var statuses []mastodonStatus
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		return nil, Errf(src, err, "decode timeline")
	}

	maxItems := src.ConfigInt("max_items", 40)
	items := make([]CollectedItem, 0, min(len(statuses), maxItems))
	for _, st := range statuses {
		if len(items) >= maxItems {
			break
		}
		items = append(items, normalizeStatus(st))
	}
	return items, nil
}

// Validate probes the resolved timeline endpoint.
func (c *MastodonCollector) Validate(ctx context.Context, src *Source) bool {
	endpoint, err := mastodonEndpoint(src)
	if err != nil {
		return false
	}
	resp, err := c.client.Head(ctx, endpoint)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400
}

// mastodonEndpoint builds the API URL for the configured mode.
func mastodonEndpoint(src *Source) (string, error) {
	u, err := url.Parse(src.URL)
	if err != nil {
		return "", fmt.Errorf("parse instance url: %w", err)
	}
	base := u.Scheme + "://" + u.Host
	limit := src.ConfigInt("max_items", 40)
	if limit > 40 {
		limit = 40
	}

	tag := src.ConfigString("tag", "")
	if tag == "" {
		if idx := strings.Index(u.Path, "/tags/"); idx >= 0 {
			tag = strings.Trim(u.Path[idx+len("/tags/"):], "/")
		}
	}
	if tag != "" {
		endpoint := fmt.Sprintf("%s/api/v1/timelines/tag/%s?limit=%d", base, url.PathEscape(tag), limit)
		if src.ConfigBool("local", false) {
			endpoint += "&local=true"
		}
		return endpoint, nil
	}

	if accountID := src.ConfigString("account_id", ""); accountID != "" {
		return fmt.Sprintf("%s/api/v1/accounts/%s/statuses?limit=%d&exclude_replies=true",
			base, url.PathEscape(accountID), limit), nil
	}

	return fmt.Sprintf("%s/api/v1/timelines/public?limit=%d&local=true", base, limit), nil
}

// normalizeStatus maps a status onto the uniform model. Statuses have no
// title, so the content warning or a content snippet serves as one.
func normalizeStatus(st mastodonStatus) CollectedItem {
	text := stripHTML(st.Content)

	title := st.SpoilerText
	if title == "" {
		title = truncate(text, 120)
	}

	item := CollectedItem{
		GUID:     st.ID,
		Title:    title,
		URL:      st.URL,
		Author:   st.Account.Acct,
		Content:  text,
		Summary:  truncate(text, 1000),
		Language: st.Language,
		Extra: map[string]any{
			"platform":   "mastodon",
			"boosts":     st.ReblogsCount,
			"favourites": st.FavouritesCount,
		},
	}

	if st.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, st.CreatedAt); err == nil {
			utc := t.UTC()
			item.PublishedAt = &utc
		}
	}

	for _, att := range st.MediaAttachments {
		u := att.URL
		if u == "" {
			u = att.PreviewURL
		}
		if u == "" {
			continue
		}
		if item.ImageURL == "" && att.Type == "image" {
			item.ImageURL = u
		}
		item.MediaURLs = append(item.MediaURLs, u)
	}
	item.MediaURLs = dedupeStrings(item.MediaURLs)

	if len(st.Tags) > 0 {
		names := make([]string, 0, len(st.Tags))
		for _, t := range st.Tags {
			names = append(names, t.Name)
		}
		item.Extra["tags"] = names
	}

	item.Normalize()
	return item
}

type mastodonStatus struct {
	ID          string `json:"id"`
	CreatedAt   string `json:"created_at"`
	Content     string `json:"content"`
	SpoilerText string `json:"spoiler_text"`
	URL         string `json:"url"`
	Language    string `json:"language"`
	Account     struct {
		Acct        string `json:"acct"`
		Username    string `json:"username"`
		DisplayName string `json:"display_name"`
	} `json:"account"`
	MediaAttachments []struct {
		Type       string `json:"type"`
		URL        string `json:"url"`
		PreviewURL string `json:"preview_url"`
	} `json:"media_attachments"`
	Tags []struct {
		Name string `json:"name"`
	} `json:"tags"`
	ReblogsCount    int `json:"reblogs_count"`
	FavouritesCount int `json:"favourites_count"`
}
