// Package filter evaluates ordered rule lists against collected items.
// Rules carry a condition tree (keywords, regex, boolean combinators) and
// an action: highlight, exclude, tag or alert.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sentinelpi/sentinel/pkg/source"
)

// Condition node types.
const (
	TypeKeywords = "keywords"
	TypeRegex    = "regex"
	TypeCompound = "compound"
)

// Condition is one node of a rule's condition tree.
type Condition struct {
	Type          string       `json:"type"`
	Field         string       `json:"field,omitempty"`
	Operator      string       `json:"operator,omitempty"`
	Keywords      []string     `json:"value,omitempty"`
	CaseSensitive bool         `json:"case_sensitive,omitempty"`
	Pattern       string       `json:"-"`
	Logic         string       `json:"logic,omitempty"`
	Children      []*Condition `json:"conditions,omitempty"`

	re *regexp.Regexp
}

// ParseCondition decodes the config/YAML map shape into a tree. The
// "value" key carries the keyword list for keywords nodes and the pattern
// for regex nodes.
func ParseCondition(raw map[string]any) (*Condition, error) {
	c := &Condition{
		Type:     stringKey(raw, "type"),
		Field:    stringKey(raw, "field"),
		Operator: stringKey(raw, "operator"),
		Logic:    stringKey(raw, "logic"),
	}
	if v, ok := raw["case_sensitive"].(bool); ok {
		c.CaseSensitive = v
	}

	switch v := raw["value"].(type) {
	case string:
		c.Pattern = v
		c.Keywords = []string{v}
	case []any:
		for _, kw := range v {
			if s, ok := kw.(string); ok {
				c.Keywords = append(c.Keywords, s)
			}
		}
	case []string:
		c.Keywords = append(c.Keywords, v...)
	}

	if children, ok := raw["conditions"].([]any); ok {
		for _, childRaw := range children {
			childMap, ok := childRaw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("compound child is not an object")
			}
			child, err := ParseCondition(childMap)
			if err != nil {
				return nil, err
			}
			c.Children = append(c.Children, child)
		}
	}

	if c.Type == "" {
		if len(c.Children) > 0 || c.Logic != "" {
			c.Type = TypeCompound
		} else {
			c.Type = TypeKeywords
		}
	}

	return c, nil
}

// Compile validates the tree shape and pre-compiles regexes. A rule whose
// tree fails to compile is disabled by the engine.
func (c *Condition) Compile() error {
	switch c.Type {
	case TypeKeywords:
		if len(c.Keywords) == 0 {
			return fmt.Errorf("keywords condition has no keywords")
		}
		switch c.Operator {
		case "", "contains", "not_contains":
		default:
			return fmt.Errorf("keywords operator %q unknown", c.Operator)
		}
	case TypeRegex:
		if c.Pattern == "" {
			return fmt.Errorf("regex condition has no pattern")
		}
		pattern := c.Pattern
		if !c.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("compile pattern %q: %w", c.Pattern, err)
		}
		c.re = re
	case TypeCompound:
		switch c.Logic {
		case "", "and", "or":
		case "not":
			if len(c.Children) != 1 {
				return fmt.Errorf("not takes exactly one child, got %d", len(c.Children))
			}
		default:
			return fmt.Errorf("compound logic %q unknown", c.Logic)
		}
		if len(c.Children) == 0 {
			return fmt.Errorf("compound condition has no children")
		}
		for _, child := range c.Children {
			if err := child.Compile(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("condition type %q unknown", c.Type)
	}

	switch c.Field {
	case "", "title", "content", "summary", "author", "url", "all":
	default:
		return fmt.Errorf("condition field %q unknown", c.Field)
	}

	return nil
}

// Evaluate runs the tree against one item. It returns whether the node
// matched, the field that decided it and the keyword or regex substring
// that hit (empty for negative operators).
func (c *Condition) Evaluate(item *source.CollectedItem) (bool, string, string) {
	switch c.Type {
	case TypeKeywords:
		return c.evalKeywords(item)
	case TypeRegex:
		return c.evalRegex(item)
	case TypeCompound:
		return c.evalCompound(item)
	}
	return false, "", ""
}

func (c *Condition) evalKeywords(item *source.CollectedItem) (bool, string, string) {
	field := c.field()
	haystack := fieldText(item, field)
	if !c.CaseSensitive {
		haystack = strings.ToLower(haystack)
	}

	var hit string
	for _, kw := range c.Keywords {
		needle := kw
		if !c.CaseSensitive {
			needle = strings.ToLower(kw)
		}
		if strings.Contains(haystack, needle) {
			hit = kw
			break
		}
	}

	if c.Operator == "not_contains" {
		return hit == "", field, ""
	}
	return hit != "", field, hit
}

func (c *Condition) evalRegex(item *source.CollectedItem) (bool, string, string) {
	field := c.field()
	match := c.re.FindString(fieldText(item, field))
	return match != "", field, match
}

func (c *Condition) evalCompound(item *source.CollectedItem) (bool, string, string) {
	switch c.Logic {
	case "or":
		for _, child := range c.Children {
			if ok, field, value := child.Evaluate(item); ok {
				return true, field, value
			}
		}
		return false, "", ""
	case "not":
		ok, field, _ := c.Children[0].Evaluate(item)
		return !ok, field, ""
	default: // and
		var field, value string
		for i, child := range c.Children {
			ok, f, v := child.Evaluate(item)
			if !ok {
				return false, "", ""
			}
			if i == 0 {
				field, value = f, v
			}
		}
		return true, field, value
	}
}

func (c *Condition) field() string {
	if c.Field == "" {
		return "all"
	}
	return c.Field
}

// fieldText resolves a condition field to item text. "all" joins the
// textual fields with newlines.
func fieldText(item *source.CollectedItem, field string) string {
	switch field {
	case "title":
		return item.Title
	case "content":
		return item.Content
	case "summary":
		return item.Summary
	case "author":
		return item.Author
	case "url":
		return item.URL
	default:
		return strings.Join([]string{item.Title, item.Content, item.Summary, item.Author}, "\n")
	}
}

func stringKey(raw map[string]any, key string) string {
	s, _ := raw[key].(string)
	return s
}
