package format

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

	linkRe       = regexp.MustCompile(`\[([^\]\n]+)\]\((https?://[^\s()"]+)\)`)
	// Emphasis spans never contain '<' or '>': after escaping those only
	// come from tags emitted by an earlier pass, so spans can't cross them.
	boldRe       = regexp.MustCompile(`\*\*([^*\n<>]+?)\*\*`)
	starItalicRe = regexp.MustCompile(`\*([^*\n<>]+?)\*`)
	// Underscores only count at word edges so snake_case survives.
	underItalicRe = regexp.MustCompile(`(^|[^\p{L}\p{N}_])_([^_\n<>]+?)_($|[^\p{L}\p{N}_])`)
	tagRe         = regexp.MustCompile(`</?([a-zA-Z][a-zA-Z0-9]*)\b[^>]*>`)
	placeholderRe = regexp.MustCompile("\x00(\\d+)\x00")
)

var allowedTags = map[string]bool{"b": true, "i": true, "a": true}

// SanitizeMarkup escapes text for HTML-mode messages and converts
// **bold**, *italic*, _italic_ and [label](http...) into <b>, <i> and <a>.
// Escaping runs first, so user text can never introduce markup; any tag
// outside {b, i, a} is removed.
func SanitizeMarkup(text string) string {
	s := escaper.Replace(strings.ReplaceAll(text, "\x00", ""))

	// Links are swapped for placeholders so emphasis rules can't touch URLs.
	var links []string
	s = linkRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := linkRe.FindStringSubmatch(m)
		links = append(links, fmt.Sprintf(`<a href="%s">%s</a>`, sub[2], applyEmphasis(sub[1])))
		return "\x00" + strconv.Itoa(len(links)-1) + "\x00"
	})

	s = applyEmphasis(s)

	s = placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		idx, err := strconv.Atoi(strings.Trim(m, "\x00"))
		if err != nil || idx >= len(links) {
			return ""
		}
		return links[idx]
	})

	return stripDisallowedTags(s)
}

func applyEmphasis(s string) string {
	s = boldRe.ReplaceAllString(s, "<b>$1</b>")
	s = starItalicRe.ReplaceAllString(s, "<i>$1</i>")
	s = underItalicRe.ReplaceAllString(s, "$1<i>$2</i>$3")
	return s
}

func stripDisallowedTags(s string) string {
	return tagRe.ReplaceAllStringFunc(s, func(tag string) string {
		name := strings.ToLower(tagRe.FindStringSubmatch(tag)[1])
		if allowedTags[name] {
			return tag
		}
		return ""
	})
}

// Paginate splits text into sanitized HTML parts of at most maxLen
// characters each. Raw chunks whose escaped form outgrows the cap are split
// again with a smaller window.
func Paginate(text string, maxLen int) []string {
	var out []string
	for _, chunk := range SplitToChunks(text, maxLen) {
		out = append(out, paginateChunk(chunk, maxLen)...)
	}
	return out
}

func paginateChunk(chunk string, maxLen int) []string {
	sanitized := SanitizeMarkup(chunk)
	n := utf8.RuneCountInString(sanitized)
	if n <= maxLen {
		return []string{sanitized}
	}
	raw := utf8.RuneCountInString(chunk)
	if raw <= 1 {
		// A single character can't be split further; escape it without markup.
		return []string{escaper.Replace(chunk)}
	}
	limit := raw * maxLen / n
	if limit >= raw {
		limit = raw - 1
	}
	if limit < 1 {
		limit = 1
	}
	var out []string
	for _, part := range SplitToChunks(chunk, limit) {
		out = append(out, paginateChunk(part, maxLen)...)
	}
	return out
}
