package notify

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// minInformativeRunes is the shortest text trusted as a real summary.
const minInformativeRunes = 12

// genericPhrases carry no information about what a cycle actually did.
var genericPhrases = map[string]bool{
	"cycle finished":         true,
	"cycle complete":         true,
	"cycle completed":        true,
	"cycle done":             true,
	"cycle succeeded":        true,
	"cycle ran":              true,
	"cycle ended":            true,
	"finished cycle":         true,
	"completed cycle":        true,
	"task complete":          true,
	"task completed":         true,
	"task finished":          true,
	"work done":              true,
	"work complete":          true,
	"work completed":         true,
	"all done":               true,
	"all good":               true,
	"everything is fine":     true,
	"no issues":              true,
	"nothing to report":      true,
	"made some changes":      true,
	"made changes":           true,
	"updated files":          true,
	"updated some files":     true,
	"completed successfully": true,
	"finished successfully":  true,
	"ran successfully":       true,
	"success":                true,
	"succeeded":              true,
	"completed":              true,
	"finished":               true,
	"done":                   true,
	"ok":                     true,
	"周期完成":                   true,
	"周期已完成":                  true,
	"任务完成":                   true,
	"任务已完成":                  true,
	"已完成":                    true,
	"完成":                     true,
	"成功":                     true,
}

// IsGeneric reports whether text is boilerplate that says nothing about the
// work performed.
func IsGeneric(text string) bool {
	norm := normalizePhrase(text)
	if norm == "" {
		return true
	}
	if genericPhrases[norm] {
		return true
	}
	return utf8.RuneCountInString(strings.TrimSpace(text)) < minInformativeRunes
}

// normalizePhrase lower-cases, drops digits and punctuation, and collapses
// whitespace so "Cycle #42 finished!" matches "cycle finished".
func normalizePhrase(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsDigit(r), unicode.IsPunct(r), unicode.IsSymbol(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
