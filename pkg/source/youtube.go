package source

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/sentinelpi/sentinel/internal/transport"
)

// youtubeFeedURL is the public Atom feed for a channel; no API key
// required.
const youtubeFeedURL = "https://www.youtube.com/feeds/videos.xml?channel_id=%s"

// YouTubeCollector polls a channel's Atom feed.
//
// The channel is identified by the config key channel_id, by a feed URL
// carrying channel_id=..., or by a /channel/<id> page URL. Handle URLs
// (@name) cannot be resolved without the Data API and fail validation.
type YouTubeCollector struct {
	client  *transport.Client
	parser  *gofeed.Parser
	feedURL string
}

// NewYouTubeCollector creates the YouTube channel collector.
func NewYouTubeCollector(client *transport.Client) *YouTubeCollector {
	return &YouTubeCollector{
		client:  client,
		parser:  gofeed.NewParser(),
		feedURL: youtubeFeedURL,
	}
}

func (c *YouTubeCollector) Type() Type { return TypeYouTube }

func (c *YouTubeCollector) Collect(ctx context.Context, src *Source) ([]CollectedItem, error) {
	channelID := extractChannelID(src)
	if channelID == "" {
		return nil, Errf(src, nil, "cannot determine channel id from %q", src.URL)
	}

	feedURL := fmt.Sprintf(c.feedURL, channelID)
	resp, err := c.client.Get(ctx, feedURL)
	if err != nil {
		return nil, Errf(src, err, "fetch channel feed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, Errf(src, nil, "channel feed returned status %d", resp.StatusCode)
	}

	feed, err := c.parser.Parse(resp.Body)
	if err != nil {
		return nil, Errf(src, err, "parse channel feed")
	}

	maxItems := src.ConfigInt("max_items", 100)
	items := make([]CollectedItem, 0, min(len(feed.Items), maxItems))
	for _, entry := range feed.Items {
		if len(items) >= maxItems {
			break
		}
		item := normalizeFeedEntry(feed, entry, true, false)
		item.Extra["platform"] = "youtube"
		item.Extra["channel_id"] = channelID
		if vid := strings.TrimPrefix(entry.GUID, "yt:video:"); vid != entry.GUID {
			item.Extra["video_id"] = vid
		}
		items = append(items, item)
	}
	return items, nil
}

// Validate resolves the channel and probes its feed.
func (c *YouTubeCollector) Validate(ctx context.Context, src *Source) bool {
	channelID := extractChannelID(src)
	if channelID == "" {
		return false
	}
	resp, err := c.client.Head(ctx, fmt.Sprintf(c.feedURL, channelID))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400
}

// extractChannelID resolves the channel from config or recognized URL
// shapes. Returns "" when only a handle is available.
func extractChannelID(src *Source) string {
	if id := src.ConfigString("channel_id", ""); id != "" {
		return id
	}

	u, err := url.Parse(src.URL)
	if err != nil {
		return ""
	}
	if id := u.Query().Get("channel_id"); id != "" {
		return id
	}
	if idx := strings.Index(u.Path, "/channel/"); idx >= 0 {
		rest := u.Path[idx+len("/channel/"):]
		if cut := strings.IndexByte(rest, '/'); cut >= 0 {
			rest = rest[:cut]
		}
		return rest
	}
	return ""
}
