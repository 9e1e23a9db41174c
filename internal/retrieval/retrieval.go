// Package retrieval recalls long-term memory relevant to what is being
// said in a channel right now.
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/amicus/internal/channelview"
	"github.com/nugget/amicus/internal/memory"
)

// Searcher finds chunks near a query. Implemented by [memory.Index].
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]memory.Chunk, error)
}

// Engine is stateless; it only shapes queries and results.
type Engine struct {
	searcher Searcher
	k        int
}

// New returns an engine recalling k chunks per query. A non-positive k
// defers to the searcher's default.
func New(searcher Searcher, k int) *Engine {
	return &Engine{searcher: searcher, k: k}
}

// Recall looks up memories related to the channel's recent exchange and
// renders them as a numbered block for the prompt. It returns "" when
// there is nothing to recall.
func (e *Engine) Recall(ctx context.Context, view *channelview.View) (string, error) {
	if view.Len() == 0 {
		return "", nil
	}
	query := view.ShortHistory()
	if strings.TrimSpace(query) == "" {
		query = view.LongHistory()
	}

	chunks, err := e.searcher.Search(ctx, query, e.k)
	if err != nil {
		return "", fmt.Errorf("recall for %s: %w", view.ChannelID(), err)
	}
	return Format(chunks), nil
}

// Search returns the raw text of up to k chunks nearest to query.
func (e *Engine) Search(ctx context.Context, query string, k int) ([]string, error) {
	if k <= 0 {
		k = e.k
	}
	chunks, err := e.searcher.Search(ctx, query, k)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	return texts, nil
}

// Format renders chunks nearest first:
//
//	Memory 1 (2024-01-01 10:00 → 10:05):
//	[2024-01-01 10:00:00] Alice -> amicus: ...
func Format(chunks []memory.Chunk) string {
	var b strings.Builder
	for i, c := range chunks {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "Memory %d (%s → %s):\n%s\n", i+1,
			c.StartedAt.UTC().Format("2006-01-02 15:04"),
			c.EndedAt.UTC().Format("15:04"),
			c.Text)
	}
	return b.String()
}
