package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/amicus/internal/events"
)

// Recorder copies model calls from the event bus into a [Store].
type Recorder struct {
	store  *Store
	logger *slog.Logger

	// channels maps a live pass to its channel; step events carry only
	// the pass id.
	channels map[string]string
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:    store,
		logger:   logger.With("component", "usage"),
		channels: make(map[string]string),
	}
}

// Run subscribes to bus and records until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context, bus *events.Bus) {
	feed := bus.Subscribe(128)
	defer bus.Unsubscribe(feed)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-feed:
			if !ok {
				return
			}
			r.Observe(ctx, e)
		}
	}
}

// Observe handles one event.
func (r *Recorder) Observe(ctx context.Context, e events.Event) {
	if e.Source != events.SourceAgent {
		return
	}
	passID, _ := e.Data["pass_id"].(string)

	switch e.Kind {
	case events.KindPassStart:
		ch, _ := e.Data["channel_id"].(string)
		r.channels[passID] = ch
	case events.KindPassComplete:
		delete(r.channels, passID)
	case events.KindStep:
		model, _ := e.Data["model"].(string)
		if model == "" {
			// Step without a model call (nothing to account).
			return
		}
		rec := Record{
			Timestamp:        e.Timestamp,
			PassID:           passID,
			ChannelID:        r.channels[passID],
			Step:             intField(e.Data, "step"),
			Model:            model,
			PromptTokens:     intField(e.Data, "prompt_tokens"),
			CompletionTokens: intField(e.Data, "completion_tokens"),
		}
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.store.Record(writeCtx, rec); err != nil {
			r.logger.Warn("failed to record model call", "pass_id", passID, "error", err)
		}
	}
}

func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
