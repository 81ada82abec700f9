package parser

import (
	"html"
	"regexp"
	"strings"
)

var (
	scriptStyleRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	commentRe     = regexp.MustCompile(`(?s)<!--.*?-->`)
	blockTagRe    = regexp.MustCompile(`(?i)</?(?:br|p|div|li|ul|ol|tr|table|h[1-6]|blockquote)[^>]*>`)
	cellTagRe     = regexp.MustCompile(`(?i)</(?:td|th)>`)
	anyTagRe      = regexp.MustCompile(`<[^>]+>`)
	blankLinesRe  = regexp.MustCompile(`\n{3,}`)
)

// StripHTML reduces an HTML body to plain text suitable for ParseText.
// Block-level tags become newlines so line-oriented heuristics still see
// one logical row per line; table cells become spaces so amounts stay on
// the row they belong to.
func StripHTML(htmlBody string) string {
	text := scriptStyleRe.ReplaceAllString(htmlBody, " ")
	text = commentRe.ReplaceAllString(text, " ")
	text = blockTagRe.ReplaceAllString(text, "\n")
	text = cellTagRe.ReplaceAllString(text, " ")
	text = anyTagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	text = strings.ReplaceAll(text, " ", " ")
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// ParseHTML strips tags and runs the text heuristics.
func ParseHTML(htmlBody string) ParsedFields {
	return ParseText(StripHTML(htmlBody))
}
