package source

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// stripHTML reduces an HTML fragment to its text content with collapsed
// whitespace. Returns the input unchanged when it does not parse.
func stripHTML(s string) string {
	if !strings.Contains(s, "<") {
		return strings.TrimSpace(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// firstImageSrc returns the src of the first <img> in an HTML fragment.
func firstImageSrc(html string) string {
	if !strings.Contains(html, "<img") {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	src, _ := doc.Find("img").First().Attr("src")
	return src
}

// absoluteURL resolves href against base. Either argument may be empty;
// unparseable input comes back unchanged.
func absoluteURL(base, href string) string {
	if href == "" {
		return ""
	}
	h, err := url.Parse(href)
	if err != nil {
		return href
	}
	if h.IsAbs() || base == "" {
		return href
	}
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	return b.ResolveReference(h).String()
}

// truncate caps s at maxLen runes, appending "..." when cut.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}

// dedupeStrings keeps the first occurrence of each value, preserving
// order.
func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
