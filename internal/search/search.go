// Package search finds recent news articles for the agent.
//
// Each backend implements [Provider]. The [Manager] asks providers in
// registration order until it has enough articles, so a secondary
// backend tops up whatever the primary could not supply.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Article is a single news result.
type Article struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Source      string    `json:"source,omitempty"`
	PublishedAt time.Time `json:"published_at,omitempty"`
	Summary     string    `json:"summary,omitempty"`
}

// Options are optional parameters for a news query.
type Options struct {
	// Count is the maximum number of articles to return. Zero means
	// provider default.
	Count int `json:"count,omitempty"`

	// Language is an ISO 639-1 code (e.g., "en").
	Language string `json:"language,omitempty"`

	// Since limits results to articles published after this time.
	Since time.Time `json:"since,omitempty"`
}

// Provider is implemented by news backends.
type Provider interface {
	// Name returns the provider identifier (e.g., "newsapi", "searxng").
	Name() string

	// News executes a query and returns articles, most relevant first.
	News(ctx context.Context, query string, opts Options) ([]Article, error)
}

// Manager holds providers in priority order.
type Manager struct {
	providers []Provider
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register appends a provider. Earlier providers are asked first.
func (m *Manager) Register(p Provider) {
	m.providers = append(m.providers, p)
}

// Providers returns the registered provider names in priority order.
func (m *Manager) Providers() []string {
	names := make([]string, len(m.providers))
	for i, p := range m.providers {
		names[i] = p.Name()
	}
	return names
}

// Configured reports whether at least one provider is registered.
func (m *Manager) Configured() bool {
	return len(m.providers) > 0
}

// News collects up to opts.Count articles, asking each provider in
// turn for whatever is still missing. Provider failures are only
// reported when no provider returned anything.
func (m *Manager) News(ctx context.Context, query string, opts Options) ([]Article, error) {
	if len(m.providers) == 0 {
		return nil, fmt.Errorf("no news provider configured")
	}
	if opts.Count <= 0 {
		opts.Count = 10
	}

	var (
		articles []Article
		errs     []error
	)
	seen := make(map[string]bool)
	for _, p := range m.providers {
		want := opts.Count - len(articles)
		if want <= 0 {
			break
		}
		popts := opts
		popts.Count = want
		found, err := p.News(ctx, query, popts)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		for _, a := range found {
			if seen[a.URL] || len(articles) >= opts.Count {
				continue
			}
			seen[a.URL] = true
			articles = append(articles, a)
		}
	}
	if len(articles) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return articles, nil
}
