package scoring

import (
	"strings"
	"unicode"
)

// stopwords covers English and French; titles from both appear in the
// same installations.
var stopwords = map[string]bool{
	// English
	"a": true, "an": true, "the": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true, "from": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"been": true, "being": true, "have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true, "will": true, "would": true,
	"could": true, "should": true, "may": true, "might": true,
	"this": true, "that": true, "these": true, "those": true,
	"it": true, "its": true, "i": true, "we": true, "you": true,
	"he": true, "she": true, "they": true, "my": true, "your": true,
	"how": true, "what": true, "when": true, "where": true, "why": true,
	"not": true, "no": true, "new": true, "just": true, "about": true,
	"up": true, "out": true, "if": true, "so": true, "can": true,
	"all": true, "more": true, "also": true, "than": true, "very": true,
	// French
	"le": true, "la": true, "les": true, "un": true, "une": true,
	"des": true, "du": true, "de": true, "et": true, "ou": true,
	"mais": true, "dans": true, "sur": true, "pour": true, "avec": true,
	"par": true, "au": true, "aux": true, "ce": true, "cette": true,
	"ces": true, "se": true, "ne": true, "pas": true, "plus": true,
	"est": true, "sont": true, "il": true, "elle": true, "ils": true,
	"elles": true, "nous": true, "vous": true, "son": true, "sa": true,
	"ses": true, "leur": true, "qui": true, "que": true, "quoi": true,
	"comment": true, "pourquoi": true, "quand": true, "sans": true,
}

// ExtractKeywords tokenizes a title into its significant lowercase words,
// keeping first-occurrence order and at most max entries. These keywords
// feed preference features, so the output must be deterministic.
func ExtractKeywords(title string, max int) []string {
	if max <= 0 {
		max = 10
	}

	words := strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]bool, len(words))
	keywords := make([]string, 0, max)
	for _, w := range words {
		if len(w) < 2 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		keywords = append(keywords, w)
		if len(keywords) == max {
			break
		}
	}
	return keywords
}
