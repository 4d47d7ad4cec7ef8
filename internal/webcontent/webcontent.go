// Package webcontent fetches web pages and converts their main content to
// markdown for the knowledge base.
package webcontent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"syscall"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"
)

const (
	DefaultMaxBytes  = 2 << 20
	DefaultUserAgent = "sqragent/1.0 (+https://sqrfund.ai)"
)

// ErrEmptyPage is returned when a page has no extractable text.
var ErrEmptyPage = errors.New("page has no readable content")

var excessiveLinesRe = regexp.MustCompile(`\n{3,}`)

// Page is a fetched and converted web page.
type Page struct {
	URL      string
	Title    string
	Markdown string
}

// Fetcher downloads pages over HTTP(S) and converts them to markdown.
type Fetcher struct {
	client    *http.Client
	converter *md.Converter
	userAgent string
	maxBytes  int64
	check     func(rawURL string) error
}

func NewFetcher(client *http.Client, maxBytes int64) *Fetcher {
	if client == nil {
		client = &http.Client{
			Timeout:   30 * time.Second,
			Transport: guardedTransport(),
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (max 5)")
				}
				return ValidateURL(req.URL.String())
			},
		}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	conv := md.NewConverter("", true, nil)
	conv.Use(plugin.GitHubFlavored())
	return &Fetcher{client: client, converter: conv, userAgent: DefaultUserAgent, maxBytes: maxBytes, check: ValidateURL}
}

// NormalizeURL adds https:// when the scheme is missing.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw != "" && !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	return raw
}

// ValidateURL rejects non-HTTP schemes and literal loopback or private
// addresses.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("url has no host")
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("url host %q is not allowed", host)
	}
	if ip := net.ParseIP(host); ip != nil && blockedIP(ip) {
		return fmt.Errorf("url host %q is not allowed", host)
	}
	return nil
}

func blockedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsInterfaceLocalMulticast()
}

// guardedTransport dials only public addresses. ValidateURL sees host
// names; this check sees the address each name resolved to, redirects
// included.
func guardedTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   checkDialAddress,
	}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

func checkDialAddress(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("dial %s: unresolved address", address)
	}
	if blockedIP(ip) {
		return fmt.Errorf("address %s is not allowed", ip)
	}
	return nil
}

// Fetch downloads rawURL and returns its main content as markdown.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	target := NormalizeURL(rawURL)
	if err := f.check(target); err != nil {
		return Page{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Page{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Page{}, fmt.Errorf("fetch %s: HTTP %d", target, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return Page{}, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return Page{}, fmt.Errorf("page too large (exceeds %d bytes)", f.maxBytes)
	}

	page, err := f.Convert(body)
	if err != nil {
		return Page{}, err
	}
	page.URL = target
	return page, nil
}

// Convert extracts the title and main content of an HTML document.
func (f *Fetcher) Convert(body []byte) (Page, error) {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return Page{}, fmt.Errorf("parse html: %w", err)
	}
	title := findTitle(doc)

	content := mainContent(doc)
	markdown, err := f.converter.ConvertString(render(content))
	if err != nil {
		return Page{}, fmt.Errorf("convert to markdown: %w", err)
	}
	markdown = cleanMarkdown(markdown)
	if markdown == "" {
		return Page{}, ErrEmptyPage
	}
	return Page{Title: title, Markdown: markdown}, nil
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
		return strings.TrimSpace(n.FirstChild.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

var noiseTags = map[string]bool{
	"nav": true, "header": true, "footer": true, "aside": true, "script": true, "style": true,
	"noscript": true, "iframe": true, "form": true, "button": true, "svg": true,
}

// mainContent returns <main> or <article> when present, else <body> with
// navigation and scripts removed.
func mainContent(doc *html.Node) *html.Node {
	for _, tag := range []string{"main", "article"} {
		if n := findElement(doc, tag); n != nil {
			removeNoise(n)
			return n
		}
	}
	if body := findElement(doc, "body"); body != nil {
		removeNoise(body)
		return body
	}
	return doc
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func removeNoise(n *html.Node) {
	var remove []*html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode && noiseTags[node.Data] {
			remove = append(remove, node)
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	for _, node := range remove {
		if node.Parent != nil {
			node.Parent.RemoveChild(node)
		}
	}
}

func render(n *html.Node) string {
	var sb strings.Builder
	_ = html.Render(&sb, n)
	return sb.String()
}

func cleanMarkdown(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	s = strings.Join(lines, "\n")
	s = excessiveLinesRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
