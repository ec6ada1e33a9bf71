// Package tokenutil estimates token counts for budget accounting. Jobs carry
// a token budget; built-in capabilities charge gathered content against it
// with this estimate when the source reports no exact count.
package tokenutil

import "strings"

const (
	// English prose averages about 1.33 tokens per whitespace-separated word.
	tokensPerWord = 1.33
	// Floor for dense content (code, markup, CJK) where word counts undershoot.
	bytesPerToken = 4
)

// EstimateTokens approximates how many tokens content costs against a job's
// budget. The word-based estimate wins for prose; the byte floor wins for
// code and non-English text.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	byWords := int(float64(len(strings.Fields(content))) * tokensPerWord)
	byBytes := len(content) / bytesPerToken
	if byWords > byBytes {
		return byWords
	}
	return byBytes
}
