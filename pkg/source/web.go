package source

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/sentinelpi/sentinel/internal/logging"
	"github.com/sentinelpi/sentinel/internal/transport"
)

// WebCollector scrapes plain HTML pages with CSS selectors.
//
// Config keys: item_selector (required), title_selector, url_selector,
// summary_selector, content_selector, image_selector, base_url (for
// resolving relative links, defaults to the page URL), max_items
// (default 50). Selectors are evaluated relative to each item node;
// url_selector and image_selector read href/src attributes.
type WebCollector struct {
	client *transport.Client
}

// NewWebCollector creates the web scraping collector.
func NewWebCollector(client *transport.Client) *WebCollector {
	return &WebCollector{client: client}
}

func (c *WebCollector) Type() Type { return TypeWeb }

func (c *WebCollector) Collect(ctx context.Context, src *Source) ([]CollectedItem, error) {
	itemSel := src.ConfigString("item_selector", "")
	if itemSel == "" {
		return nil, Errf(src, nil, "web source requires item_selector")
	}

	resp, err := c.client.Get(ctx, src.URL)
	if err != nil {
		return nil, Errf(src, err, "fetch page")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, Errf(src, nil, "page returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, Errf(src, err, "parse html")
	}

	base := src.ConfigString("base_url", src.URL)
	maxItems := src.ConfigInt("max_items", 50)

	var items []CollectedItem
	doc.Find(itemSel).EachWithBreak(func(i int, sel *goquery.Selection) bool {
		if len(items) >= maxItems {
			return false
		}
		item, ok := c.extractItem(src, sel, base)
		if !ok {
			logging.Debug().
				Str("source", src.Name).
				Int("index", i).
				Msg("skipping entry without title or link")
			return true
		}
		items = append(items, item)
		return true
	})
	return items, nil
}

// extractItem reads one item node. Entries missing both a title and a
// link are skipped rather than failing the whole page.
func (c *WebCollector) extractItem(src *Source, sel *goquery.Selection, base string) (CollectedItem, bool) {
	title := selectorText(sel, src.ConfigString("title_selector", ""))

	link := ""
	if urlSel := src.ConfigString("url_selector", ""); urlSel != "" {
		link, _ = sel.Find(urlSel).First().Attr("href")
	} else if href, ok := sel.Attr("href"); ok {
		link = href
	} else {
		link, _ = sel.Find("a").First().Attr("href")
	}
	link = strings.TrimSpace(link)
	if link != "" {
		link = absoluteURL(base, link)
	}

	if title == "" && link == "" {
		return CollectedItem{}, false
	}

	item := CollectedItem{
		GUID:    SynthesizeGUID(title, link),
		Title:   title,
		URL:     link,
		Summary: truncate(selectorText(sel, src.ConfigString("summary_selector", "")), 1000),
		Content: selectorText(sel, src.ConfigString("content_selector", "")),
		Extra:   map[string]any{"platform": "web"},
	}

	if imgSel := src.ConfigString("image_selector", ""); imgSel != "" {
		if imgSrc, ok := sel.Find(imgSel).First().Attr("src"); ok {
			item.ImageURL = absoluteURL(base, strings.TrimSpace(imgSrc))
		}
	} else if imgSrc, ok := sel.Find("img").First().Attr("src"); ok {
		item.ImageURL = absoluteURL(base, strings.TrimSpace(imgSrc))
	}

	if item.Content == "" {
		item.Content = item.Summary
	}

	item.Normalize()
	return item, true
}

// Validate fetches the page and checks that the item selector matches
// at least one node.
func (c *WebCollector) Validate(ctx context.Context, src *Source) bool {
	itemSel := src.ConfigString("item_selector", "")
	if itemSel == "" {
		return false
	}
	resp, err := c.client.Get(ctx, src.URL)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return false
	}
	return doc.Find(itemSel).Length() > 0
}

func selectorText(sel *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.Join(strings.Fields(sel.Find(selector).First().Text()), " ")
}
