// Package fetch downloads news articles and reduces them to readable
// text small enough to hand to a local model.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/amicus/internal/httpkit"
)

const (
	// DefaultTimeout bounds a single article download.
	DefaultTimeout = 20 * time.Second

	// DefaultMaxBytes caps the downloaded body (5 MB).
	DefaultMaxBytes int64 = 5 * 1024 * 1024

	// DefaultMaxChars caps the extracted text. Local models have small
	// context windows, so articles are cut well before that.
	DefaultMaxChars = 6000
)

// Article is the readable part of a fetched page.
type Article struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Content     string `json:"content"`
	Truncated   bool   `json:"truncated,omitempty"`
	StatusCode  int    `json:"status_code"`
}

// Fetcher downloads and extracts articles.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	maxChars int
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithMaxChars overrides [DefaultMaxChars].
func WithMaxChars(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxChars = n
		}
	}
}

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// New creates a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   httpkit.NewClient(httpkit.WithTimeout(DefaultTimeout)),
		maxBytes: DefaultMaxBytes,
		maxChars: DefaultMaxChars,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch downloads rawURL and extracts its article text. A bare host
// is treated as https; other schemes are rejected.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Article, error) {
	target, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,text/plain;q=0.8,*/*;q=0.5")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := httpkit.ReadErrorBody(resp.Body, 256)
		return nil, fmt.Errorf("fetch: HTTP %d from %s: %s", resp.StatusCode, target, body)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch: read body: %w", err)
	}

	a := &Article{URL: target, StatusCode: resp.StatusCode}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "text/html"), strings.Contains(ct, "application/xhtml"):
		page := extractArticle(string(body))
		a.Title, a.Description, a.Content = page.title, page.description, page.text
	case strings.Contains(ct, "text/plain"), utf8.Valid(body):
		a.Content = strings.TrimSpace(string(body))
	default:
		return nil, fmt.Errorf("fetch: %s is not a readable page (%s)", target, ct)
	}

	if utf8.RuneCountInString(a.Content) > f.maxChars {
		a.Content = truncateRunes(a.Content, f.maxChars)
		a.Truncated = true
	}
	return a, nil
}

// Read fetches rawURL and renders it as tool output.
func (f *Fetcher) Read(ctx context.Context, rawURL string) (string, error) {
	a, err := f.Fetch(ctx, rawURL)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if a.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", a.Title)
	}
	fmt.Fprintf(&b, "URL: %s\n", a.URL)
	if a.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", a.Description)
	}
	b.WriteString("\n")
	b.WriteString(a.Content)
	if a.Truncated {
		b.WriteString("\n[article truncated]")
	}
	return b.String(), nil
}

func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("fetch: url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("fetch: invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("fetch: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("fetch: url %q has no host", raw)
	}
	return u.String(), nil
}

func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
