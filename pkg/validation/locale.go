package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/text/language"
)

// LocaleRule selects the request locale from a value in the context tree,
// typically the accept-language header.
type LocaleRule struct {
	Path      string   `yaml:"path" json:"path"`
	Supported []string `yaml:"supported" json:"supported"`
	Default   string   `yaml:"default" json:"default,omitempty"`
}

// LocaleSelector is a compiled LocaleRule.
type LocaleSelector struct {
	path     string
	matcher  language.Matcher
	fallback language.Tag
	hasDef   bool
}

// CompileLocale parses the supported tags of rule. A nil rule yields a nil selector.
func CompileLocale(rule *LocaleRule) (*LocaleSelector, error) {
	if rule == nil {
		return nil, nil
	}
	path := strings.TrimSpace(rule.Path)
	if path == "" {
		return nil, fmt.Errorf("locale rule: path is empty")
	}
	if len(rule.Supported) == 0 {
		return nil, fmt.Errorf("locale rule: no supported locales")
	}

	tags := make([]language.Tag, 0, len(rule.Supported))
	for _, raw := range rule.Supported {
		tag, err := language.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("locale rule: supported locale %q: %w", raw, err)
		}
		tags = append(tags, tag)
	}

	sel := &LocaleSelector{path: path, matcher: language.NewMatcher(tags)}
	if rule.Default != "" {
		tag, err := language.Parse(rule.Default)
		if err != nil {
			return nil, fmt.Errorf("locale rule: default locale %q: %w", rule.Default, err)
		}
		sel.fallback = tag
		sel.hasDef = true
	}
	return sel, nil
}

// Select resolves the locale against tree. It is best effort: an absent or
// unparsable value yields the default locale, or false when none is set.
func (s *LocaleSelector) Select(tree map[string]any) (language.Tag, bool) {
	if s == nil {
		return language.Und, false
	}
	raw := s.lookup(tree)
	if raw == "" {
		return s.fallback, s.hasDef
	}

	desired, _, err := language.ParseAcceptLanguage(raw)
	if err != nil || len(desired) == 0 {
		return s.fallback, s.hasDef
	}
	tag, _, confidence := s.matcher.Match(desired...)
	if confidence == language.No {
		return s.fallback, s.hasDef
	}
	base, _ := tag.Base()
	out, err := language.Parse(base.String())
	if err != nil {
		return s.fallback, s.hasDef
	}
	return out, true
}

func (s *LocaleSelector) lookup(tree map[string]any) string {
	doc, err := json.Marshal(tree)
	if err != nil {
		return ""
	}
	res := gjson.GetBytes(doc, s.path)
	if !res.Exists() {
		return ""
	}
	if res.IsArray() {
		items := res.Array()
		if len(items) == 0 {
			return ""
		}
		return strings.TrimSpace(items[0].String())
	}
	return strings.TrimSpace(res.String())
}
