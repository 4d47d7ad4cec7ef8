// Package tts converts summary text to an mp3 file using the Google Translate
// speech endpoint.
package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"sqragent/internal/format"
	"sqragent/internal/retry"
)

const (
	DefaultBaseURL = "https://translate.google.com/translate_tts"
	maxChunkLen    = 200 // longest text the endpoint accepts per request
	maxAudioBytes  = 8 << 20
)

var (
	markupPattern = regexp.MustCompile("[*_`#>]+")
	linkPattern   = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
)

// Synthesizer writes speech for text to a temporary file and returns its
// path. The caller removes the file.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, lang string) (string, error)
}

type Client struct {
	baseURL string
	tempDir string
	http    *http.Client
	policy  retry.Policy
}

func New(baseURL, tempDir string, httpClient *http.Client, policy retry.Policy) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, tempDir: tempDir, http: httpClient, policy: policy}
}

func (c *Client) Synthesize(ctx context.Context, text, lang string) (string, error) {
	spoken := PlainText(text)
	if spoken == "" {
		return "", fmt.Errorf("synthesize: no speakable text")
	}
	if lang == "" {
		lang = "en"
	}

	f, err := os.CreateTemp(c.tempDir, "summary-*.mp3")
	if err != nil {
		return "", fmt.Errorf("synthesize: create temp file: %w", err)
	}
	path := f.Name()
	ok := false
	defer func() {
		f.Close()
		if !ok {
			os.Remove(path)
		}
	}()

	chunks := speakableChunks(spoken)
	for i, chunk := range chunks {
		audio, err := retry.Do(ctx, c.policy, "tts chunk", func(ctx context.Context) ([]byte, error) {
			return c.fetch(ctx, chunk, lang, i, len(chunks))
		})
		if err != nil {
			return "", fmt.Errorf("synthesize chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if _, err := f.Write(audio); err != nil {
			return "", fmt.Errorf("synthesize: write audio: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("synthesize: close audio: %w", err)
	}
	ok = true
	return path, nil
}

func (c *Client) fetch(ctx context.Context, chunk, lang string, idx, total int) ([]byte, error) {
	q := url.Values{}
	q.Set("ie", "UTF-8")
	q.Set("client", "tw-ob")
	q.Set("tl", lang)
	q.Set("q", chunk)
	q.Set("idx", fmt.Sprint(idx))
	q.Set("total", fmt.Sprint(total))
	q.Set("textlen", fmt.Sprint(len([]rune(chunk))))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build tts request: %w", err))
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.Transient(fmt.Errorf("tts request: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, retry.Transient(fmt.Errorf("tts request failed with status %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, retry.Permanent(fmt.Errorf("tts request failed with status %d", resp.StatusCode))
	}
	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("read tts response: %w", err))
	}
	if len(audio) == 0 {
		return nil, retry.Permanent(fmt.Errorf("tts response was empty"))
	}
	return audio, nil
}

// PlainText strips markdown decoration so it is not read aloud.
func PlainText(text string) string {
	text = linkPattern.ReplaceAllString(text, "$1")
	text = markupPattern.ReplaceAllString(text, "")
	return strings.Join(strings.Fields(text), " ")
}

func speakableChunks(text string) []string {
	var out []string
	for _, c := range format.SplitToChunks(text, maxChunkLen) {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}
