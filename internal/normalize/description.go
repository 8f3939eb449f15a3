package normalize

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// PlaceholderDescription is what the scraper writes when a repository has no description.
	PlaceholderDescription = "No description provided"

	minDescriptionLen = 20
	fallbackPrefixLen = 100
)

// firstSentenceRe matches from the start of the text up to the first period
// followed by whitespace (Unicode spaces included) or end of text. It does not
// cross line breaks.
var firstSentenceRe = regexp.MustCompile(`^(.*?\.([\s\p{Z}]|$))`)

// Summarizer produces a one-sentence description from longer text.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// NeedsReplacement reports whether a description is too short or the placeholder.
func NeedsReplacement(description string) bool {
	return utf8.RuneCountInString(description) < minDescriptionLen || description == PlaceholderDescription
}

// FirstSentence returns the first sentence of text and true, or "" and false
// when text has no sentence terminator.
func FirstSentence(text string) (string, bool) {
	m := firstSentenceRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// Description picks the dataset description for a row.
//
// The row's description wins unless it needs replacement; then the first
// sentence of detailed_description is used, or its first 100 characters when
// it has no sentence terminator. Without a detailed description the original
// value is kept.
func Description(row Row) string {
	return describe(context.Background(), row, nil)
}

func describe(ctx context.Context, row Row, summarizer Summarizer) string {
	description := row.Get("description")
	if !NeedsReplacement(description) {
		return description
	}
	detailed := row.Get("detailed_description")
	if detailed == "" {
		return description
	}
	if s, ok := FirstSentence(detailed); ok {
		return s
	}
	if summarizer != nil {
		if s, err := summarizer.Summarize(ctx, detailed); err == nil && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return truncateRunes(detailed, fallbackPrefixLen)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
