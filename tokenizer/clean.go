package tokenizer

import (
	"html"
	"strings"

	"github.com/dlclark/regexp2"
)

var (
	whitespace = regexp2.MustCompile(`\s+`, regexp2.None)
	// zero width and byte order marks left behind by copy and paste
	invisible = regexp2.MustCompile(`[\u200B-\u200D\uFEFF]`, regexp2.None)
)

// Clean prepares a prompt for encoding: HTML entities are unescaped,
// invisible characters removed and runs of whitespace collapsed.
func Clean(text string) string {
	text = html.UnescapeString(html.UnescapeString(text))

	if s, err := invisible.Replace(text, "", -1, -1); err == nil {
		text = s
	}
	if s, err := whitespace.Replace(text, " ", -1, -1); err == nil {
		text = s
	}
	return strings.TrimSpace(text)
}
