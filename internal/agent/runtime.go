package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nugget/amicus/internal/buildinfo"
	"github.com/nugget/amicus/internal/channelview"
	"github.com/nugget/amicus/internal/events"
	"github.com/nugget/amicus/internal/memory"
	"github.com/nugget/amicus/internal/metrics"
	"github.com/nugget/amicus/internal/retrieval"
	"github.com/nugget/amicus/internal/scheduler"
	"github.com/nugget/amicus/internal/transcript"
)

// Target says where a reply goes. DMs are addressed to the user, guild
// channels to the channel.
type Target struct {
	ChannelID string
	GuildID   string
	UserID    string
	IsDM      bool
}

// Deliverer sends text to a chat platform, showing a typing indicator
// for typingDelay first. Implementations return once the send is
// dispatched, not when it completes, so the worker is never held for
// the typing delay.
type Deliverer interface {
	Deliver(ctx context.Context, target Target, text string, typingDelay time.Duration) error
}

// Deps are the collaborators a [Runtime] coordinates. Memory and
// Recall are optional; without them the agent runs on recent history
// alone.
type Deps struct {
	Identity  *Identity
	Messages  *transcript.Store
	Memory    *memory.Index
	Recall    *retrieval.Engine
	Loop      *Loop
	Deliverer Deliverer
	History   *scheduler.History
	Events    *events.Bus
	Metrics   *metrics.Metrics
}

// RuntimeConfig holds pacing and bookkeeping settings.
type RuntimeConfig struct {
	LongHistory  int
	ShortHistory int
	// TypingSpeed is in characters per second.
	TypingSpeed float64
	// InteractionLog is the file the latest pass is written to; empty
	// disables it.
	InteractionLog string
	IngestEvery    time.Duration
	IdleWake       time.Duration
}

// Runtime wires incoming messages to the single background worker.
// The event side (HandleIncoming) only records and enqueues; every
// reasoning pass, delivery, and ingestion runs on the worker.
type Runtime struct {
	Deps
	cfg       RuntimeConfig
	scheduler *scheduler.Scheduler
	logger    *slog.Logger

	mu sync.Mutex
	// failed maps a channel to the newest message id of a pass that
	// failed, so the scan does not retry it until something new arrives.
	failed map[string]int64
}

// NewRuntime creates a runtime and its scheduler. Call Start to begin
// processing.
func NewRuntime(deps Deps, cfg RuntimeConfig, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShortHistory <= 0 {
		cfg.ShortHistory = channelview.DefaultShortWindow
	}
	if cfg.LongHistory < cfg.ShortHistory {
		cfg.LongHistory = cfg.ShortHistory
	}
	if cfg.TypingSpeed <= 0 {
		cfg.TypingSpeed = 50
	}

	r := &Runtime{
		Deps:   deps,
		cfg:    cfg,
		logger: logger.With("component", "runtime"),
		failed: make(map[string]int64),
	}

	opts := scheduler.Options{
		Maintenance: func(ctx context.Context) {
			if err := r.ScanChannels(ctx); err != nil {
				r.logger.Error("channel scan failed", "error", err)
			}
		},
		IngestEvery: cfg.IngestEvery,
		IdleWake:    cfg.IdleWake,
		History:     deps.History,
		Events:      deps.Events,
		Metrics:     deps.Metrics,
	}
	if deps.Memory != nil {
		opts.Ingest = func(ctx context.Context) {
			if err := r.IngestAll(ctx); err != nil {
				r.logger.Error("memory ingestion failed", "error", err)
			}
		}
	}
	r.scheduler = scheduler.New(logger, opts)
	return r
}

// Scheduler exposes the worker for status reporting.
func (r *Runtime) Scheduler() *scheduler.Scheduler {
	return r.scheduler
}

// Start launches the worker; it stops when ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	return r.scheduler.Start(ctx)
}

// Stop drops queued work and waits for the running task.
func (r *Runtime) Stop() {
	r.scheduler.Stop()
}

// HandleIncoming records a message from the chat platform and queues
// a response for its channel. It never touches agent state.
func (r *Runtime) HandleIncoming(ctx context.Context, msg *transcript.Message) error {
	if err := r.Messages.Append(ctx, msg); err != nil {
		return fmt.Errorf("record incoming message: %w", err)
	}
	r.Metrics.MessageIn()
	r.Events.Emit(events.SourceGateway, events.KindMessageReceived, map[string]any{
		"channel_id": msg.ChannelID,
		"sender":     msg.Sender.DisplayName,
		"dm":         msg.IsDM,
		"length":     len(msg.Body),
	})

	if _, err := r.scheduler.EnqueueOnce(r.RespondTask(msg.ChannelID)); err != nil {
		return fmt.Errorf("queue response for %s: %w", msg.ChannelID, err)
	}
	return nil
}

// RespondTask builds the task that answers a channel. Tasks for the
// same channel share a key, so a burst of messages queues one reply.
func (r *Runtime) RespondTask(channelID string) *scheduler.Task {
	t := scheduler.NewTask("respond "+channelID, func(ctx context.Context) error {
		return r.respond(ctx, channelID)
	})
	t.Key = "respond:" + channelID
	return t
}

func (r *Runtime) respond(ctx context.Context, channelID string) error {
	msgs, err := r.Messages.Recent(ctx, channelID, r.cfg.LongHistory)
	if err != nil {
		return fmt.Errorf("load history for %s: %w", channelID, err)
	}
	view := channelview.New(msgs, r.Identity.PlatformID(), channelview.Options{ShortWindow: r.cfg.ShortHistory})
	if !view.ShouldRespond() {
		r.logger.Debug("nothing to answer", "channel", channelID)
		return nil
	}
	newest := msgs[len(msgs)-1].ID

	var recalled string
	if r.Recall != nil {
		recalled, err = r.Recall.Recall(ctx, view)
		if err != nil {
			r.logger.Warn("memory recall failed, continuing without it", "channel", channelID, "error", err)
			recalled = ""
		}
	}

	res, err := r.Loop.Run(ctx, Input{
		PassID:       scheduler.NewID(),
		ChannelID:    channelID,
		ShortHistory: view.ShortHistory(),
		LongHistory:  view.LongHistory(),
		Memory:       recalled,
	})
	if res != nil {
		r.writeInteractions(res)
	}
	if err != nil {
		r.markFailed(channelID, newest)
		return fmt.Errorf("reasoning pass for %s: %w", channelID, err)
	}
	if err := r.deliver(ctx, channelID, res.Response); err != nil {
		r.markFailed(channelID, newest)
		return err
	}
	return nil
}

// deliver sends text and records it as the agent's turn. The message
// is recorded even when delivery fails so a broken channel is not
// answered again and again.
func (r *Runtime) deliver(ctx context.Context, channelID, text string) error {
	agentID := r.Identity.PlatformID()
	cp, err := r.Messages.Counterparty(ctx, channelID, agentID)
	if err != nil {
		return fmt.Errorf("resolve recipient: %w", err)
	}

	delay := r.TypingDelay(text)
	target := Target{ChannelID: channelID, GuildID: cp.GuildID, UserID: cp.ID, IsDM: cp.IsDM}
	deliverErr := r.Deliverer.Deliver(ctx, target, text, delay)
	if deliverErr != nil {
		deliverErr = fmt.Errorf("deliver to %s: %w", channelID, deliverErr)
	}

	recipient := cp.Party
	if !cp.IsDM {
		recipient = transcript.ChannelParty(channelID)
	}
	name := r.Identity.Name()
	out := &transcript.Message{
		Sender:    transcript.Party{ID: agentID, DisplayName: name, Handle: name},
		Recipient: recipient,
		Timestamp: time.Now().UTC(),
		ChannelID: channelID,
		GuildID:   cp.GuildID,
		IsDM:      cp.IsDM,
		Body:      text,
	}
	if err := r.Messages.Append(ctx, out); err != nil {
		return errors.Join(deliverErr, fmt.Errorf("record outgoing message: %w", err))
	}
	if deliverErr != nil {
		return deliverErr
	}

	r.Metrics.MessageOut()
	r.Events.Emit(events.SourceAgent, events.KindMessageSent, map[string]any{
		"channel_id": channelID,
		"length":     len(text),
		"typing_ms":  delay.Milliseconds(),
	})
	return nil
}

// TypingDelay is how long the agent appears to type text.
func (r *Runtime) TypingDelay(text string) time.Duration {
	return time.Duration(float64(len(text)) / r.cfg.TypingSpeed * float64(time.Second))
}

// ScanChannels queues a response for every channel whose newest
// message is not the agent's. Channels whose last pass failed are
// skipped until a new message arrives.
func (r *Runtime) ScanChannels(ctx context.Context) error {
	ids, err := r.Messages.ChannelIDs(ctx)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	agentID := r.Identity.PlatformID()
	var errs []error
	for _, id := range ids {
		msgs, err := r.Messages.Recent(ctx, id, 1)
		if err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", id, err))
			continue
		}
		if !channelview.New(msgs, agentID, channelview.Options{}).ShouldRespond() {
			continue
		}
		if r.failedAt(id) == msgs[0].ID {
			continue
		}
		queued, err := r.scheduler.EnqueueOnce(r.RespondTask(id))
		if err != nil {
			return err
		}
		if queued {
			r.logger.Debug("queued owed response", "channel", id)
		}
	}
	return errors.Join(errs...)
}

// IngestAll moves every channel's backlog into long-term memory.
func (r *Runtime) IngestAll(ctx context.Context) error {
	if r.Memory == nil {
		return nil
	}
	ids, err := r.Messages.ChannelIDs(ctx)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	start := time.Now()
	chunks, ingestErr := r.Memory.IngestAll(ctx, ids)

	vectors := 0
	if st, err := r.Memory.Stats(ctx); err == nil {
		vectors = st.Vectors
	}
	r.Metrics.RecordIngest(chunks, vectors, ingestErr)
	if chunks > 0 || ingestErr != nil {
		r.Events.Emit(events.SourceMemory, events.KindIngested, map[string]any{
			"channels":   len(ids),
			"chunks":     chunks,
			"elapsed_ms": time.Since(start).Milliseconds(),
		})
	}
	return ingestErr
}

func (r *Runtime) markFailed(channelID string, newest int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[channelID] = newest
}

func (r *Runtime) failedAt(channelID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.failed[channelID]
	if !ok {
		return -1
	}
	return id
}

func (r *Runtime) writeInteractions(res *Result) {
	if r.cfg.InteractionLog == "" {
		return
	}
	var buf bytes.Buffer
	if err := res.WriteInteractions(&buf); err != nil {
		r.logger.Warn("render interaction history failed", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.cfg.InteractionLog), 0o755); err != nil {
		r.logger.Warn("create interaction log dir failed", "error", err)
		return
	}
	if err := os.WriteFile(r.cfg.InteractionLog, buf.Bytes(), 0o644); err != nil {
		r.logger.Warn("write interaction history failed", "path", r.cfg.InteractionLog, "error", err)
	}
}

// Status is a point-in-time view of the agent for operators.
type Status struct {
	Name       string           `json:"name"`
	Model      string           `json:"model"`
	Version    string           `json:"version"`
	Uptime     string           `json:"uptime"`
	Scheduler  scheduler.Stats  `json:"scheduler"`
	Transcript transcript.Stats `json:"transcript"`
	Memory     *memory.Stats    `json:"memory,omitempty"`
}

// Status collects the current status.
func (r *Runtime) Status(ctx context.Context) (*Status, error) {
	snap := r.Identity.Snapshot()
	st := &Status{
		Name:      snap.Name,
		Model:     snap.Model,
		Version:   buildinfo.Version,
		Uptime:    buildinfo.Uptime().Round(time.Second).String(),
		Scheduler: r.scheduler.Stats(),
	}
	ts, err := r.Messages.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("transcript stats: %w", err)
	}
	st.Transcript = ts
	if r.Memory != nil {
		ms, err := r.Memory.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("memory stats: %w", err)
		}
		st.Memory = &ms
	}
	return st, nil
}
