package session

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	spaceHosts = map[string]bool{
		"x.com":              true,
		"www.x.com":          true,
		"twitter.com":        true,
		"www.twitter.com":    true,
		"mobile.twitter.com": true,
		"mobile.x.com":       true,
	}
	spacePath = regexp.MustCompile(`^/i/spaces/([A-Za-z0-9]+)/?$`)
)

// NormalizeSpaceURL validates a space link and returns it in canonical
// https form. A missing scheme is added.
func NormalizeSpaceURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &ValidationError{Field: "url", Msg: "Please provide a Twitter Space URL"}
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || !spaceHosts[strings.ToLower(u.Hostname())] {
		return "", invalidURL()
	}
	m := spacePath.FindStringSubmatch(u.Path)
	if m == nil {
		return "", invalidURL()
	}
	return "https://" + strings.ToLower(u.Hostname()) + "/i/spaces/" + m[1], nil
}

func invalidURL() error {
	return &ValidationError{Field: "url", Msg: "Invalid Twitter Space URL. Expected https://x.com/i/spaces/<id>"}
}

// ParseRequestType validates the requested delivery mode. Empty means text.
func ParseRequestType(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", RequestText:
		return RequestText, nil
	case RequestAudio:
		return RequestAudio, nil
	default:
		return "", &ValidationError{Field: "mode", Msg: "Invalid summary type. Use 'text' or 'audio'"}
	}
}
