// Package sanitize cleans untrusted text before it is stored or shown to operators.
package sanitize

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxErrorLen bounds error text persisted on inbox entries.
const MaxErrorLen = 1024

var (
	htmlTagRegex    = regexp.MustCompile(`<[^>]*>`)
	whitespaceRegex = regexp.MustCompile(`\s+`)
)

var entityReplacer = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&amp;", "&",
	"&quot;", "\"",
	"&#39;", "'",
	"&nbsp;", " ",
)

// StripHTML removes tags, decodes common entities and strips again so
// encoded tags do not survive.
func StripHTML(s string) string {
	result := htmlTagRegex.ReplaceAllString(s, "")
	result = entityReplacer.Replace(result)
	result = htmlTagRegex.ReplaceAllString(result, "")
	return strings.TrimSpace(result)
}

// Text strips markup and collapses runs of whitespace into single spaces.
// Upstream error pages arrive as HTML and would otherwise fill last_error
// with layout.
func Text(s string) string {
	return whitespaceRegex.ReplaceAllString(StripHTML(s), " ")
}

// Truncate cuts s to at most n bytes without splitting a rune.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// ErrorText renders err for storage on an inbox entry.
func ErrorText(err error) string {
	if err == nil {
		return ""
	}
	return Truncate(Text(err.Error()), MaxErrorLen)
}
