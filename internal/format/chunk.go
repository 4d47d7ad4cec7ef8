// Package format prepares summary text for chat delivery: splitting into
// size-capped chunks and converting light markdown into the small HTML
// subset the chat platform accepts.
package format

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxMessageLen is the platform's hard cap on a single message, in characters.
const MaxMessageLen = 4096

// boundaries are tried in order; a boundary is accepted only when it falls in
// the second half of the window so chunks don't degenerate into fragments.
var boundaries = []string{"\n\n", ". "}

// SplitToChunks splits text into chunks of at most maxLen characters (runes).
// Concatenating the chunks reproduces text exactly. Paragraph breaks are
// preferred, then sentence ends, then any whitespace; otherwise the chunk is
// cut at maxLen.
func SplitToChunks(text string, maxLen int) []string {
	if text == "" {
		return nil
	}
	if maxLen <= 0 {
		return []string{text}
	}

	runes := []rune(text)
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= maxLen {
			chunks = append(chunks, string(runes))
			break
		}
		cut := splitPoint(runes[:maxLen])
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}

	// Every chunk must fit; re-split anything that doesn't.
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if utf8.RuneCountInString(c) > maxLen {
			out = append(out, SplitToChunks(c, maxLen)...)
			continue
		}
		out = append(out, c)
	}
	return out
}

// splitPoint returns the length of the first chunk taken from window.
func splitPoint(window []rune) int {
	half := len(window) / 2
	s := string(window)
	for _, b := range boundaries {
		idx := strings.LastIndex(s, b)
		if idx < 0 {
			continue
		}
		end := utf8.RuneCountInString(s[:idx]) + utf8.RuneCountInString(b)
		if end > half && end <= len(window) {
			return end
		}
	}
	for i := len(window) - 1; i > half; i-- {
		if unicode.IsSpace(window[i]) {
			return i + 1
		}
	}
	return len(window)
}
