package tools

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultPreviewChars bounds the result preview sent to the client.
const DefaultPreviewChars = 500

// Preview shortens output to at most limit runes, keeping its head and tail.
func Preview(output string, limit int) string {
	output = strings.TrimSpace(output)
	if limit <= 0 || utf8.RuneCountInString(output) <= limit {
		return output
	}

	runes := []rune(output)
	half := limit / 2
	removed := len(runes) - 2*half
	return string(runes[:half]) +
		fmt.Sprintf(" … [%d characters truncated] … ", removed) +
		string(runes[len(runes)-half:])
}

// Summarize keeps the head of output, for tool results replayed to the model
// from older turns.
func Summarize(output string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(output) <= limit {
		return output
	}
	runes := []rune(output)
	return string(runes[:limit]) + fmt.Sprintf("\n[truncated %d characters]", len(runes)-limit)
}
