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

// RedditCollector polls a subreddit's public listing JSON.
//
// The source URL names the subreddit (https://www.reddit.com/r/<sub> or
// just "r/<sub>"). Config keys: listing (new|hot|top, default new),
// max_items (default 100, listing cap), min_score (default 0, drops
// lower-scored posts), include_stickied (default false).
type RedditCollector struct {
	client  *transport.Client
	baseURL string
}

// NewRedditCollector creates the Reddit collector.
func NewRedditCollector(client *transport.Client) *RedditCollector {
	return &RedditCollector{client: client, baseURL: "https://www.reddit.com"}
}

func (c *RedditCollector) Type() Type { return TypeReddit }

func (c *RedditCollector) Collect(ctx context.Context, src *Source) ([]CollectedItem, error) {
	sub := subredditName(src.URL)
	if sub == "" {
		return nil, Errf(src, nil, "cannot determine subreddit from %q", src.URL)
	}

	listing := src.ConfigString("listing", "new")
	maxItems := src.ConfigInt("max_items", 100)
	limit := min(maxItems, 100)

	reqURL := fmt.Sprintf("%s/r/%s/%s.json?limit=%d", c.baseURL, sub, listing, limit)
	resp, err := c.client.Get(ctx, reqURL)
	if err != nil {
		return nil, Errf(src, err, "fetch r/%s", sub)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, Errf(src, nil, "r/%s returned status %d", sub, resp.StatusCode)
	}

	var page redditListing
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, Errf(src, err, "decode r/%s listing", sub)
	}

	minScore := src.ConfigInt("min_score", 0)
	includeStickied := src.ConfigBool("include_stickied", false)

	items := make([]CollectedItem, 0, len(page.Data.Children))
	for _, child := range page.Data.Children {
		post := child.Data
		if post.Stickied && !includeStickied {
			continue
		}
		if post.Score < minScore {
			continue
		}
		if len(items) >= maxItems {
			break
		}

		postURL := post.URL
		if postURL == "" || strings.HasPrefix(postURL, "/r/") {
			postURL = "https://www.reddit.com" + post.Permalink
		}

		published := time.Unix(int64(post.CreatedUTC), 0).UTC()
		item := CollectedItem{
			GUID:        "t3_" + post.ID,
			Title:       post.Title,
			URL:         postURL,
			Author:      post.Author,
			Content:     post.Selftext,
			Summary:     truncate(post.Selftext, 1000),
			PublishedAt: &published,
			Extra: map[string]any{
				"platform":     "reddit",
				"subreddit":    sub,
				"score":        post.Score,
				"num_comments": post.NumComments,
				"upvote_ratio": post.UpvoteRatio,
			},
		}
		if post.LinkFlairText != "" {
			item.Extra["flair"] = post.LinkFlairText
		}
		if isDirectImage(post.URL) {
			item.ImageURL = post.URL
		} else if post.Thumbnail != "" && strings.HasPrefix(post.Thumbnail, "http") {
			item.ImageURL = post.Thumbnail
		}
		item.Normalize()
		items = append(items, item)
	}
	return items, nil
}

// Validate probes the listing URL. Reddit rejects HEAD on listings, so a
// GET with the limit forced to 1 is used instead.
func (c *RedditCollector) Validate(ctx context.Context, src *Source) bool {
	sub := subredditName(src.URL)
	if sub == "" {
		return false
	}
	resp, err := c.client.Get(ctx, fmt.Sprintf("%s/r/%s/new.json?limit=1", c.baseURL, sub))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400
}

// subredditName pulls the subreddit out of a full URL or an "r/<sub>"
// shorthand.
func subredditName(raw string) string {
	if strings.HasPrefix(raw, "r/") {
		return strings.Trim(strings.TrimPrefix(raw, "r/"), "/")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, p := range parts {
		if p == "r" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

func isDirectImage(u string) bool {
	lower := strings.ToLower(u)
	for _, ext := range []string{".jpg", ".jpeg", ".png", ".gif", ".webp"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

type redditListing struct {
	Data struct {
		Children []struct {
			Data redditPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Permalink     string  `json:"permalink"`
	Selftext      string  `json:"selftext"`
	Author        string  `json:"author"`
	Score         int     `json:"score"`
	NumComments   int     `json:"num_comments"`
	CreatedUTC    float64 `json:"created_utc"`
	Stickied      bool    `json:"stickied"`
	UpvoteRatio   float64 `json:"upvote_ratio"`
	Thumbnail     string  `json:"thumbnail"`
	LinkFlairText string  `json:"link_flair_text"`
}
