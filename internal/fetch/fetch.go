// Package fetch downloads web pages and reduces them to readable text
// for the fetch_webpage tool.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bonzainsights/mragent/internal/httpkit"
)

const (
	// DefaultTimeout bounds a whole page download.
	DefaultTimeout = 15 * time.Second

	// DefaultMaxBytes caps how much of a response body is read.
	DefaultMaxBytes int64 = 5 * 1024 * 1024

	// DefaultMaxChars is the extracted text limit when the caller sets none.
	DefaultMaxChars = 10000
)

// Page is the readable form of a fetched URL.
type Page struct {
	URL         string
	Title       string
	Content     string
	ContentType string
	StatusCode  int
	Truncated   bool
}

// Fetcher downloads and extracts readable content from web pages.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

// New creates a Fetcher. A nil logger uses slog.Default.
func New(logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		client: httpkit.NewClient(
			httpkit.WithTimeout(DefaultTimeout),
			httpkit.WithRetry(1, 250*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		maxBytes: DefaultMaxBytes,
		logger:   logger,
	}
}

// NormalizeURL adds https:// to a bare host and rejects schemes other
// than http and https.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		u, err = url.Parse("https://" + raw)
		if err != nil {
			return "", fmt.Errorf("invalid url %q: %w", raw, err)
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid url scheme: %s", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid url %q: missing host", raw)
	}
	return u.String(), nil
}

// Fetch downloads rawURL and extracts its readable text, keeping at
// most maxChars characters. Zero maxChars uses DefaultMaxChars.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxChars int) (*Page, error) {
	target, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if err := httpkit.CheckStatus("fetch "+target, resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}

	page := &Page{
		URL:         target,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
	}

	switch {
	case isHTML(page.ContentType):
		page.Title, page.Content = extractHTML(string(body))
	case utf8.Valid(body):
		page.Content = strings.TrimSpace(string(body))
	default:
		page.Content = fmt.Sprintf("Binary content (%s), %d bytes", page.ContentType, len(body))
	}
	if page.Title == "" {
		page.Title = req.URL.Host
	}

	page.Content, page.Truncated = truncateRunes(page.Content, maxChars)

	f.logger.Info("page fetched",
		"url", target,
		"status", resp.StatusCode,
		"chars", utf8.RuneCountInString(page.Content),
		"truncated", page.Truncated,
		"elapsed", time.Since(start),
	)
	return page, nil
}

func isHTML(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) (string, bool) {
	count := 0
	for i := range s {
		if count == n {
			return s[:i], true
		}
		count++
	}
	return s, false
}
