// Package memory turns the transcript into long-term memory: runs of
// un-ingested messages are grouped into chunks, embedded, and stored in
// a nearest-neighbor index whose positions are the chunks' locators.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/amicus/internal/transcript"
	"github.com/nugget/amicus/internal/vectorindex"
)

const (
	// DefaultMinChunkSize is the backlog a channel needs before it is
	// chunked.
	DefaultMinChunkSize = 4

	// DefaultNeighbors is the number of chunks recalled per query.
	DefaultNeighbors = 32
)

// Embedder turns text into a vector. Implemented by
// [github.com/nugget/amicus/internal/embeddings.Client].
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Options tune ingestion and recall.
type Options struct {
	MinChunkSize int
	Neighbors    int
}

// Chunk is one remembered run of messages.
type Chunk struct {
	Locator   int       `json:"locator"`
	ChannelID string    `json:"channel_id"`
	Text      string    `json:"text"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Distance  float32   `json:"distance,omitempty"`
}

// Stats reports index size.
type Stats struct {
	Vectors int `json:"vectors"`
	Chunks  int `json:"chunks"`
}

// Index is the long-term memory. Ingestion passes and searches are
// serialized by mu; the vector file and the chunk table always agree
// on how many chunks exist.
type Index struct {
	mu       sync.Mutex
	db       *sql.DB
	messages *transcript.Store
	embedder Embedder
	path     string
	vectors  *vectorindex.Index
	opts     Options
	logger   *slog.Logger
}

// NewIndex opens the memory index. It migrates the chunk table, loads
// the vector file at indexPath and repairs any disagreement between the
// two left behind by a crash.
func NewIndex(db *sql.DB, messages *transcript.Store, embedder Embedder, indexPath string, opts Options, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MinChunkSize <= 0 {
		opts.MinChunkSize = DefaultMinChunkSize
	}
	if opts.Neighbors <= 0 {
		opts.Neighbors = DefaultNeighbors
	}

	x := &Index{
		db:       db,
		messages: messages,
		embedder: embedder,
		path:     indexPath,
		opts:     opts,
		logger:   logger.With("component", "memory"),
	}
	if err := x.migrate(); err != nil {
		return nil, fmt.Errorf("migrate chunks: %w", err)
	}

	vectors, err := vectorindex.Load(indexPath)
	if err != nil {
		return nil, err
	}
	x.vectors = vectors

	if err := x.reconcile(context.Background()); err != nil {
		return nil, fmt.Errorf("reconcile memory index: %w", err)
	}
	return x, nil
}

func (x *Index) migrate() error {
	_, err := x.db.Exec(`
	CREATE TABLE IF NOT EXISTS chunks (
		locator    INTEGER PRIMARY KEY,
		channel_id TEXT NOT NULL,
		text       TEXT NOT NULL,
		started_at TEXT NOT NULL,
		ended_at   TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_channel ON chunks(channel_id);
	`)
	return err
}

// reconcile truncates whichever of the vector file and the chunk table
// is longer back to their common prefix.
func (x *Index) reconcile(ctx context.Context) error {
	var chunks int
	if err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&chunks); err != nil {
		return fmt.Errorf("count chunks: %w", err)
	}
	vectors := x.vectors.Len()

	switch {
	case chunks == vectors:
		return nil

	case chunks > vectors:
		tx, err := x.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE locator >= ?`, vectors); err != nil {
			return fmt.Errorf("drop orphaned chunks: %w", err)
		}
		reset, err := x.messages.ResetFrom(ctx, tx, vectors)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		x.logger.Warn("chunk table ahead of vector file, dropped orphaned chunks",
			"chunks", chunks, "vectors", vectors, "messages_reset", reset)

	default:
		x.vectors.Truncate(chunks)
		if err := x.vectors.Save(x.path); err != nil {
			return err
		}
		x.logger.Warn("vector file ahead of chunk table, dropped extra vectors",
			"chunks", chunks, "vectors", vectors)
	}
	return nil
}

type pendingChunk struct {
	locator int
	ids     []int64
	text    string
	started time.Time
	ended   time.Time
}

// Ingest chunks and embeds the un-ingested backlog of one channel and
// returns how many chunks were written. The pass is all or nothing: an
// embedding failure leaves no trace, and a database failure restores
// the previous vector file.
func (x *Index) Ingest(ctx context.Context, channelID string) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	msgs, err := x.messages.Uningested(ctx, channelID)
	if err != nil {
		return 0, err
	}
	sizes := Partition(len(msgs), x.opts.MinChunkSize)
	if len(sizes) == 0 {
		return 0, nil
	}

	staged := x.vectors.Clone()
	pending := make([]pendingChunk, 0, len(sizes))
	offset := 0
	for _, size := range sizes {
		group := msgs[offset : offset+size]
		offset += size

		text := formatChunk(group)
		vec, err := x.embedder.Embed(ctx, text)
		if err != nil {
			return 0, fmt.Errorf("embed chunk of %s: %w", channelID, err)
		}
		pos, err := staged.Add(vec)
		if err != nil {
			return 0, fmt.Errorf("stage chunk of %s: %w", channelID, err)
		}

		ids := make([]int64, len(group))
		for i, m := range group {
			ids[i] = m.ID
		}
		pending = append(pending, pendingChunk{
			locator: pos,
			ids:     ids,
			text:    text,
			started: group[0].Timestamp,
			ended:   group[len(group)-1].Timestamp,
		})
	}

	if err := staged.Save(x.path); err != nil {
		return 0, fmt.Errorf("save staged index: %w", err)
	}
	if err := x.commit(ctx, channelID, pending); err != nil {
		if rerr := x.vectors.Save(x.path); rerr != nil {
			return 0, errors.Join(err, fmt.Errorf("restore index file: %w", rerr))
		}
		return 0, err
	}
	x.vectors = staged

	x.logger.Info("ingested channel backlog",
		"channel", channelID, "messages", len(msgs), "chunks", len(pending), "vectors", staged.Len())
	return len(pending), nil
}

func (x *Index) commit(ctx context.Context, channelID string, pending []pendingChunk) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ingest: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, p := range pending {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (locator, channel_id, text, started_at, ended_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			p.locator, channelID, p.text,
			p.started.UTC().Format(time.RFC3339), p.ended.UTC().Format(time.RFC3339), now,
		); err != nil {
			return fmt.Errorf("insert chunk %d: %w", p.locator, err)
		}
		if err := x.messages.Stamp(ctx, tx, p.ids, p.locator); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ingest: %w", err)
	}
	return nil
}

// IngestAll runs [Index.Ingest] for each channel. A failing channel
// does not stop the others; all failures are joined into the returned
// error.
func (x *Index) IngestAll(ctx context.Context, channelIDs []string) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, id := range channelIDs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		n, err := x.Ingest(ctx, id)
		if err != nil {
			x.logger.Error("ingestion failed", "channel", id, "error", err)
			errs = append(errs, fmt.Errorf("channel %s: %w", id, err))
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// Search embeds query and returns up to k chunks, nearest first. A
// non-positive k uses the configured neighbor count.
func (x *Index) Search(ctx context.Context, query string, k int) ([]Chunk, error) {
	if k <= 0 {
		k = x.opts.Neighbors
	}
	vec, err := x.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	x.mu.Lock()
	hits, err := x.vectors.Search(vec, k)
	x.mu.Unlock()
	if err != nil {
		return nil, err
	}

	chunks := make([]Chunk, 0, len(hits))
	for _, h := range hits {
		c, err := x.chunk(ctx, h.Position)
		if err != nil {
			return nil, err
		}
		c.Distance = h.Distance
		chunks = append(chunks, *c)
	}
	return chunks, nil
}

func (x *Index) chunk(ctx context.Context, locator int) (*Chunk, error) {
	var (
		c              Chunk
		started, ended string
	)
	err := x.db.QueryRowContext(ctx,
		`SELECT locator, channel_id, text, started_at, ended_at FROM chunks WHERE locator = ?`,
		locator,
	).Scan(&c.Locator, &c.ChannelID, &c.Text, &started, &ended)
	if err != nil {
		return nil, fmt.Errorf("load chunk %d: %w", locator, err)
	}
	c.StartedAt, _ = time.Parse(time.RFC3339, started)
	c.EndedAt, _ = time.Parse(time.RFC3339, ended)
	return &c, nil
}

// Stats returns the vector and chunk counts.
func (x *Index) Stats(ctx context.Context) (Stats, error) {
	x.mu.Lock()
	vectors := x.vectors.Len()
	x.mu.Unlock()

	var chunks int
	if err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&chunks); err != nil {
		return Stats{}, fmt.Errorf("count chunks: %w", err)
	}
	return Stats{Vectors: vectors, Chunks: chunks}, nil
}

// Neighbors returns the configured recall size.
func (x *Index) Neighbors() int {
	return x.opts.Neighbors
}

func formatChunk(msgs []transcript.Message) string {
	lines := make([]string, len(msgs))
	for i := range msgs {
		lines[i] = msgs[i].Format()
	}
	return strings.Join(lines, "\n")
}
