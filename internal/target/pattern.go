package target

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultPagePatterns are the pages controls are installed on.
var DefaultPagePatterns = []string{
	"*://ebanglalibrary.com/*",
	"*://www.ebanglalibrary.com/*",
}

// Pattern is a userscript-style match pattern such as "*://example.com/*".
// A "*" scheme matches http and https; "*" elsewhere matches any run of
// characters.
type Pattern struct {
	raw  string
	expr string
	re   *regexp.Regexp
}

// ParsePattern compiles a match pattern.
func ParsePattern(raw string) (Pattern, error) {
	raw = strings.TrimSpace(raw)
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok || rest == "" {
		return Pattern{}, fmt.Errorf("invalid page pattern %q: missing scheme", raw)
	}

	var b strings.Builder
	b.WriteString("^")
	switch scheme {
	case "*":
		b.WriteString("https?")
	case "http", "https", "file":
		b.WriteString(regexp.QuoteMeta(scheme))
	default:
		return Pattern{}, fmt.Errorf("invalid page pattern %q: unsupported scheme %q", raw, scheme)
	}
	b.WriteString("://")
	for i, part := range strings.Split(rest, "*") {
		if i > 0 {
			b.WriteString(".*")
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	b.WriteString("$")

	expr := b.String()
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("invalid page pattern %q: %w", raw, err)
	}
	return Pattern{raw: raw, expr: expr, re: re}, nil
}

// ParsePatterns compiles every pattern, failing on the first bad one.
func ParsePatterns(raws []string) ([]Pattern, error) {
	out := make([]Pattern, 0, len(raws))
	for _, r := range raws {
		if strings.TrimSpace(r) == "" {
			continue
		}
		p, err := ParsePattern(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (p Pattern) String() string { return p.raw }

// Expr returns the anchored regular expression, valid in both Go and
// JavaScript.
func (p Pattern) Expr() string { return p.expr }

// Match reports whether url is covered by the pattern.
func (p Pattern) Match(url string) bool {
	return p.re != nil && p.re.MatchString(url)
}

// MatchAny reports whether any pattern covers url. An empty set matches
// everything.
func MatchAny(patterns []Pattern, url string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if p.Match(url) {
			return true
		}
	}
	return false
}
