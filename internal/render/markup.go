package render

import (
	"html"
	"regexp"
	"strings"
)

var boldPattern = regexp.MustCompile(`\*\*(.*?)\*\*`)

// HTML renders the widget's inline markup: **bold** spans and newlines.
// Everything else is escaped so model output cannot inject markup.
func HTML(markup string) string {
	s := html.EscapeString(markup)
	s = boldPattern.ReplaceAllString(s, "<strong>$1</strong>")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "<br>")
}
