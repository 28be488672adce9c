package source

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/sentinelpi/sentinel/internal/logging"
	"github.com/sentinelpi/sentinel/internal/transport"
)

// CustomCollector fetches arbitrary JSON APIs and maps entries onto the
// uniform item model.
//
// Config keys: method (GET|POST, default GET), headers (string map), body
// (JSON object sent on POST), auth_token (Authorization: Bearer),
// api_key (X-API-Key), items_path (dotted path to the entry list, empty
// means the document root), mapping (per-field key overrides), max_items
// (default 100). Unmapped fields fall back to common key names.
type CustomCollector struct {
	client *transport.Client
}

// NewCustomCollector creates the custom API collector.
func NewCustomCollector(client *transport.Client) *CustomCollector {
	return &CustomCollector{client: client}
}

func (c *CustomCollector) Type() Type { return TypeCustom }

func (c *CustomCollector) Collect(ctx context.Context, src *Source) ([]CollectedItem, error) {
	resp, err := c.fetch(ctx, src)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, Errf(src, nil, "custom API returned status %d", resp.StatusCode)
	}

	var doc any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, Errf(src, err, "decode custom API response")
	}

	itemsPath := src.ConfigString("items_path", "")
	entries, err := entriesAt(doc, itemsPath)
	if err != nil {
		return nil, Errf(src, err, "resolve items_path %q", itemsPath)
	}

	mapping := src.ConfigStringMap("mapping")
	maxItems := src.ConfigInt("max_items", 100)

	items := make([]CollectedItem, 0, len(entries))
	for _, raw := range entries {
		if len(items) >= maxItems {
			break
		}
		entry, ok := raw.(map[string]any)
		if !ok {
			logging.Warn().Str("source", src.Name).Msg("custom entry is not an object, skipped")
			continue
		}
		item := parseCustomEntry(entry, mapping)
		item.Normalize()
		items = append(items, item)
	}

	return items, nil
}

// Validate probes the endpoint. APIs frequently reject HEAD, so this uses
// the configured method.
func (c *CustomCollector) Validate(ctx context.Context, src *Source) bool {
	resp, err := c.fetch(ctx, src)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400
}

func (c *CustomCollector) fetch(ctx context.Context, src *Source) (*http.Response, error) {
	method := strings.ToUpper(src.ConfigString("method", http.MethodGet))

	var body *bytes.Reader
	if method == http.MethodPost {
		if raw, ok := src.Config["body"]; ok && raw != nil {
			buf, err := json.Marshal(raw)
			if err != nil {
				return nil, Errf(src, err, "encode request body")
			}
			body = bytes.NewReader(buf)
		}
	}

	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, src.URL, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, src.URL, nil)
	}
	if err != nil {
		return nil, Errf(src, err, "build custom API request")
	}

	for k, v := range src.ConfigStringMap("headers") {
		req.Header.Set(k, v)
	}
	if token := src.ConfigString("auth_token", ""); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if key := src.ConfigString("api_key", ""); key != "" {
		req.Header.Set("X-API-Key", key)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, Errf(src, err, "fetch custom API")
	}
	return resp, nil
}

// entriesAt walks a dotted path into nested objects and returns the list
// found there.
func entriesAt(doc any, path string) ([]any, error) {
	node := doc
	if path != "" {
		for _, key := range strings.Split(path, ".") {
			obj, ok := node.(map[string]any)
			if !ok {
				break
			}
			node = obj[key]
		}
	}
	list, ok := node.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list, got %T", node)
	}
	return list, nil
}

func parseCustomEntry(entry map[string]any, mapping map[string]string) CollectedItem {
	field := func(name string, defaults ...string) any {
		if key := mapping[name]; key != "" {
			if v, ok := entry[key]; ok {
				return v
			}
		}
		for _, key := range defaults {
			if v, ok := entry[key]; ok && v != nil {
				return v
			}
		}
		return nil
	}

	guid := stringValue(field("guid", "id", "guid", "uid", "_id"))
	if guid == "" {
		raw, _ := json.Marshal(entry)
		sum := sha256.Sum256(raw)
		guid = hex.EncodeToString(sum[:])[:32]
	}

	title := stringValue(field("title", "title", "name", "headline"))
	if title == "" {
		title = DefaultTitle
	}

	author := ""
	switch v := field("author", "author", "creator", "by", "user").(type) {
	case map[string]any:
		if name, ok := v["name"].(string); ok && name != "" {
			author = name
		} else if username, ok := v["username"].(string); ok {
			author = username
		}
	default:
		author = stringValue(v)
	}

	content := stringValue(field("content", "content", "body", "text", "html"))
	if strings.Contains(content, "<") {
		content = stripHTML(content)
	}

	var publishedAt *time.Time
	switch v := field("published_at", "published_at", "date", "created_at", "pubDate", "timestamp").(type) {
	case float64:
		t := time.Unix(int64(v), 0).UTC()
		publishedAt = &t
	case int64:
		t := time.Unix(v, 0).UTC()
		publishedAt = &t
	case string:
		if t, ok := parseCustomTime(v); ok {
			publishedAt = &t
		}
	}

	return CollectedItem{
		GUID:        guid,
		Title:       title,
		URL:         stringValue(field("url", "url", "link", "href")),
		Author:      author,
		Content:     content,
		Summary:     stringValue(field("summary", "summary", "description", "excerpt", "abstract")),
		PublishedAt: publishedAt,
		ImageURL:    stringValue(field("image_url", "image_url", "image", "thumbnail", "cover", "og_image")),
		Extra: map[string]any{
			"platform": "custom",
			"raw":      scalarFields(entry),
		},
	}
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// customTimeLayouts are tried in order for string timestamps.
var customTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseCustomTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range customTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// scalarFields keeps only the JSON scalar values of an entry, so raw
// payloads stay small enough to persist in the extra column.
func scalarFields(entry map[string]any) map[string]any {
	out := make(map[string]any, len(entry))
	for k, v := range entry {
		switch v.(type) {
		case string, float64, bool, nil:
			out[k] = v
		}
	}
	return out
}
