// Package opml reads and writes feed lists in OPML 2.0, the exchange
// format feed readers use for subscription lists. Only RSS sources
// travel through it; the other source types have no OPML equivalent.
package opml

import (
	"encoding/xml"
	"fmt"
	"sort"
	"time"

	"github.com/sentinelpi/sentinel/pkg/source"
)

// Export defaults.
const (
	DefaultTitle = "SentinelPi Feeds"
	ownerName    = "SentinelPi"
	docsURL      = "http://opml.org/spec2.opml"
)

// Import defaults applied to every feed without explicit settings.
const (
	DefaultIntervalMinutes = 60
	DefaultPriority        = 2
)

// Document is the root <opml> element.
type Document struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
	OwnerName   string `xml:"ownerName,omitempty"`
	Docs        string `xml:"docs,omitempty"`
}

type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline is either a feed (xmlUrl set) or a folder grouping its
// children.
type Outline struct {
	Text        string    `xml:"text,attr"`
	Title       string    `xml:"title,attr,omitempty"`
	Type        string    `xml:"type,attr,omitempty"`
	XMLURL      string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL     string    `xml:"htmlUrl,attr,omitempty"`
	Description string    `xml:"description,attr,omitempty"`
	Category    string    `xml:"category,attr,omitempty"`
	Outlines    []Outline `xml:"outline,omitempty"`
}

// Feed is one flattened subscription pulled out of a document. Category
// is the outline's own attribute or, failing that, the enclosing folder.
type Feed struct {
	Name        string
	URL         string
	HTMLURL     string
	Description string
	Category    string
}

// ImportResult counts what ToSources did with a document's feeds.
type ImportResult struct {
	Total    int
	Imported int
	Skipped  int
}

// Export renders the RSS sources as an OPML 2.0 document. Categorized
// feeds are grouped into folder outlines sorted by category name;
// uncategorized feeds follow at the top level.
func Export(sources []source.Source) ([]byte, error) {
	feeds := make([]source.Source, 0, len(sources))
	for _, src := range sources {
		if src.Type == source.TypeRSS {
			feeds = append(feeds, src)
		}
	}
	sort.SliceStable(feeds, func(i, j int) bool {
		if feeds[i].Category != feeds[j].Category {
			return feeds[i].Category < feeds[j].Category
		}
		return feeds[i].Name < feeds[j].Name
	})

	doc := Document{
		Version: "2.0",
		Head: Head{
			Title:       DefaultTitle,
			DateCreated: time.Now().UTC().Format(time.RFC1123Z),
			OwnerName:   ownerName,
			Docs:        docsURL,
		},
	}

	folders := make(map[string]*Outline)
	var categories []string
	var loose []Outline
	for i := range feeds {
		o := feedOutline(&feeds[i])
		cat := feeds[i].Category
		if cat == "" {
			loose = append(loose, o)
			continue
		}
		folder, ok := folders[cat]
		if !ok {
			folder = &Outline{Text: cat, Title: cat}
			folders[cat] = folder
			categories = append(categories, cat)
		}
		folder.Outlines = append(folder.Outlines, o)
	}

	sort.Strings(categories)
	for _, cat := range categories {
		doc.Body.Outlines = append(doc.Body.Outlines, *folders[cat])
	}
	doc.Body.Outlines = append(doc.Body.Outlines, loose...)

	buf, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal opml: %w", err)
	}
	return append([]byte(xml.Header), buf...), nil
}

func feedOutline(src *source.Source) Outline {
	return Outline{
		Text:        src.Name,
		Title:       src.Name,
		Type:        "rss",
		XMLURL:      src.URL,
		HTMLURL:     src.ConfigString("html_url", ""),
		Description: src.ConfigString("description", ""),
		Category:    src.Category,
	}
}

// Parse decodes an OPML document. Anything without an opml root element
// is rejected.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse opml: %w", err)
	}
	return &doc, nil
}

// Feeds flattens the outline tree. Folder names become the category of
// the feeds they contain unless a feed carries its own category
// attribute.
func (d *Document) Feeds() []Feed {
	var feeds []Feed
	collectFeeds(d.Body.Outlines, "", &feeds)
	return feeds
}

func collectFeeds(outlines []Outline, folder string, feeds *[]Feed) {
	for i := range outlines {
		o := &outlines[i]
		if o.XMLURL != "" {
			name := o.Title
			if name == "" {
				name = o.Text
			}
			category := o.Category
			if category == "" {
				category = folder
			}
			*feeds = append(*feeds, Feed{
				Name:        name,
				URL:         o.XMLURL,
				HTMLURL:     o.HTMLURL,
				Description: o.Description,
				Category:    category,
			})
			continue
		}

		child := o.Text
		if child == "" {
			child = o.Title
		}
		if child == "" {
			child = folder
		}
		collectFeeds(o.Outlines, child, feeds)
	}
}

// ToSources converts flattened feeds into sources ready for upsert,
// applying the import defaults. Feeds whose URL is empty, already in
// existing, or seen earlier in the same document are skipped.
func ToSources(feeds []Feed, existing map[string]bool) ([]source.Source, ImportResult) {
	res := ImportResult{Total: len(feeds)}
	seen := make(map[string]bool, len(existing))
	for url := range existing {
		seen[url] = true
	}

	sources := make([]source.Source, 0, len(feeds))
	for _, f := range feeds {
		if f.URL == "" || seen[f.URL] {
			res.Skipped++
			continue
		}
		seen[f.URL] = true

		var cfg map[string]any
		if f.HTMLURL != "" || f.Description != "" {
			cfg = make(map[string]any, 2)
			if f.HTMLURL != "" {
				cfg["html_url"] = f.HTMLURL
			}
			if f.Description != "" {
				cfg["description"] = f.Description
			}
		}

		sources = append(sources, source.Source{
			ID:              source.DeriveID(f.Name, f.URL),
			Name:            f.Name,
			Type:            source.TypeRSS,
			URL:             f.URL,
			Enabled:         true,
			IntervalMinutes: DefaultIntervalMinutes,
			Priority:        DefaultPriority,
			Category:        f.Category,
			Config:          cfg,
		})
		res.Imported++
	}
	return sources, res
}
