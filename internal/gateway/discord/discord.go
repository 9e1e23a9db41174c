// Package discord connects the agent to Discord: incoming messages are
// converted to transcript messages and handed to the runtime, and
// replies are delivered with a typing indicator first.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/nugget/amicus/internal/agent"
	"github.com/nugget/amicus/internal/transcript"
)

const (
	// maxMessageLen is Discord's limit for one message.
	maxMessageLen = 2000

	// typingRefresh re-sends the typing indicator before Discord's
	// ten-second expiry.
	typingRefresh = 8 * time.Second
)

// Intents the bot needs: guild and DM messages with their content.
const Intents = discordgo.IntentsGuildMessages |
	discordgo.IntentsDirectMessages |
	discordgo.IntentsMessageContent

// session is the subset of *discordgo.Session the gateway uses.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// Handler receives every message not written by the bot itself.
type Handler func(ctx context.Context, msg *transcript.Message) error

// Gateway is a Discord bot connection.
type Gateway struct {
	session session
	logger  *slog.Logger

	mu      sync.RWMutex
	self    *discordgo.User
	handler Handler
	ctx     context.Context

	ready     chan struct{}
	readyOnce sync.Once

	// sends tracks in-flight deliveries; closed rejects new ones.
	sends  sync.WaitGroup
	closed bool

	// sleep waits out the typing delay; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a gateway for a bot token. Call Open to connect.
func New(token string, logger *slog.Logger) (*Gateway, error) {
	if token == "" {
		return nil, errors.New("discord: bot token is required")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	s.Identify.Intents = Intents
	return newGateway(s, logger), nil
}

func newGateway(s session, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		session: s,
		logger:  logger.With("component", "discord"),
		ctx:     context.Background(),
		ready:   make(chan struct{}),
		sleep:   sleepCtx,
	}
}

// Open connects and waits for Discord's READY event, returning the
// bot's own user. Messages that arrive before SetHandler are dropped.
func (g *Gateway) Open(ctx context.Context) (*discordgo.User, error) {
	g.mu.Lock()
	g.ctx = context.WithoutCancel(ctx)
	g.mu.Unlock()

	g.session.AddHandler(g.handleReady)
	g.session.AddHandler(g.handleMessageCreate)
	if err := g.session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open: %w", err)
	}

	select {
	case <-g.ready:
	case <-ctx.Done():
		_ = g.session.Close()
		return nil, fmt.Errorf("discord: waiting for ready: %w", ctx.Err())
	}

	self := g.Self()
	g.logger.Info("connected to discord", "user", self.Username, "id", self.ID)
	return self, nil
}

// Close waits for in-flight deliveries and disconnects.
func (g *Gateway) Close() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	g.sends.Wait()
	return g.session.Close()
}

// SetHandler installs the incoming message handler.
func (g *Gateway) SetHandler(h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = h
}

// Self returns the bot user, or nil before READY.
func (g *Gateway) Self() *discordgo.User {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.self
}

func (g *Gateway) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	g.mu.Lock()
	g.self = r.User
	g.mu.Unlock()
	g.readyOnce.Do(func() { close(g.ready) })
}

func (g *Gateway) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	g.mu.RLock()
	self, handler, ctx := g.self, g.handler, g.ctx
	g.mu.RUnlock()

	if m.Message == nil || m.Author == nil || self == nil || m.Author.ID == self.ID {
		return
	}
	if strings.TrimSpace(m.Content) == "" {
		g.logger.Debug("ignoring message without text", "channel", m.ChannelID, "user", m.Author.ID)
		return
	}
	if handler == nil {
		g.logger.Warn("dropping message received before the agent was ready", "channel", m.ChannelID)
		return
	}

	msg := convertMessage(m.Message, self)
	if err := handler(ctx, msg); err != nil {
		g.logger.Error("failed to handle incoming message", "channel", m.ChannelID, "error", err)
	}
}

// convertMessage maps a Discord message to a transcript message. DMs
// are addressed to the bot; guild messages to the channel.
func convertMessage(m *discordgo.Message, self *discordgo.User) *transcript.Message {
	isDM := m.GuildID == ""
	recipient := transcript.ChannelParty(m.ChannelID)
	if isDM {
		recipient = transcript.Party{ID: self.ID, DisplayName: self.Username, Handle: self.Username}
	}

	ts := m.Timestamp.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &transcript.Message{
		Sender: transcript.Party{
			ID:          m.Author.ID,
			DisplayName: displayName(m),
			Handle:      m.Author.Username,
		},
		Recipient: recipient,
		Timestamp: ts,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		IsDM:      isDM,
		Body:      m.Content,
	}
}

// displayName prefers the guild nickname, then the global display
// name, then the username.
func displayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// Deliver resolves the target channel and returns; the typing
// indicator and the send run in the background so the caller is not
// held for typingDelay. DMs are opened (or reopened) through the
// recipient's user id. Send failures are logged.
func (g *Gateway) Deliver(ctx context.Context, target agent.Target, text string, typingDelay time.Duration) error {
	channelID := target.ChannelID
	if target.IsDM && target.UserID != "" {
		ch, err := g.session.UserChannelCreate(target.UserID, discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("discord: open DM with %s: %w", target.UserID, err)
		}
		channelID = ch.ID
	}
	if channelID == "" {
		return errors.New("discord: delivery target has no channel")
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return errors.New("discord: gateway closed")
	}
	g.sends.Add(1)
	g.mu.Unlock()

	sendCtx := context.WithoutCancel(ctx)
	go func() {
		defer g.sends.Done()
		if err := g.send(sendCtx, channelID, text, typingDelay); err != nil {
			g.logger.Error("delivery failed", "channel", channelID, "error", err)
		}
	}()
	return nil
}

// send types for typingDelay and then posts text in parts.
func (g *Gateway) send(ctx context.Context, channelID, text string, typingDelay time.Duration) error {
	if err := g.typeFor(ctx, channelID, typingDelay); err != nil {
		return err
	}
	for _, part := range splitMessage(text, maxMessageLen) {
		if _, err := g.session.ChannelMessageSend(channelID, part, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord: send to %s: %w", channelID, err)
		}
	}
	g.logger.Debug("delivered message", "channel", channelID, "length", len(text), "typing", typingDelay)
	return nil
}

// typeFor keeps the typing indicator up for d.
func (g *Gateway) typeFor(ctx context.Context, channelID string, d time.Duration) error {
	for d > 0 {
		if err := g.session.ChannelTyping(channelID, discordgo.WithContext(ctx)); err != nil {
			g.logger.Debug("typing indicator failed", "channel", channelID, "error", err)
		}
		step := min(d, typingRefresh)
		if err := g.sleep(ctx, step); err != nil {
			return err
		}
		d -= step
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// splitMessage breaks text into parts of at most limit bytes,
// preferring line breaks and never splitting a rune.
func splitMessage(text string, limit int) []string {
	var parts []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		parts = append(parts, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
