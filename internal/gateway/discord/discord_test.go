package discord

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/go-cmp/cmp"

	"github.com/nugget/amicus/internal/agent"
	"github.com/nugget/amicus/internal/transcript"
)

type sent struct {
	channelID string
	content   string
}

type mockSession struct {
	mu       sync.Mutex
	handlers []interface{}
	typing   []string
	sent     []sent
	dms      []string
	sendErr  error
	onOpen   func()
}

func (m *mockSession) Open() error {
	if m.onOpen != nil {
		m.onOpen()
	}
	return nil
}

func (m *mockSession) Close() error { return nil }

func (m *mockSession) AddHandler(h interface{}) func() {
	m.handlers = append(m.handlers, h)
	return func() {}
}

func (m *mockSession) ChannelTyping(channelID string, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing = append(m.typing, channelID)
	return nil
}

func (m *mockSession) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, sent{channelID, content})
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func (m *mockSession) UserChannelCreate(recipientID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	m.dms = append(m.dms, recipientID)
	return &discordgo.Channel{ID: "dm-" + recipientID, Type: discordgo.ChannelTypeDM}, nil
}

var bot = &discordgo.User{ID: "bot-1", Username: "amicus"}

func newTestGateway(s *mockSession) (*Gateway, *[]time.Duration) {
	return newTestGatewayWithLog(s, io.Discard)
}

func newTestGatewayWithLog(s *mockSession, w io.Writer) (*Gateway, *[]time.Duration) {
	g := newGateway(s, slog.New(slog.NewTextHandler(w, nil)))
	var slept []time.Duration
	g.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return g, &slept
}

func TestOpenWaitsForReady(t *testing.T) {
	s := &mockSession{}
	g, _ := newTestGateway(s)
	s.onOpen = func() { go g.handleReady(nil, &discordgo.Ready{User: bot}) }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	self, err := g.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if self.ID != "bot-1" {
		t.Errorf("self = %+v", self)
	}
	if len(s.handlers) != 2 {
		t.Errorf("registered %d handlers, want 2", len(s.handlers))
	}
}

func TestOpenTimesOutWithoutReady(t *testing.T) {
	g, _ := newTestGateway(&mockSession{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := g.Open(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestHandleMessageCreate(t *testing.T) {
	g, _ := newTestGateway(&mockSession{})
	g.handleReady(nil, &discordgo.Ready{User: bot})

	var got []*transcript.Message
	g.SetHandler(func(_ context.Context, m *transcript.Message) error {
		got = append(got, m)
		return nil
	})

	at := time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)
	g.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "dm-chan",
		Content:   "hi there",
		Timestamp: at,
		Author:    &discordgo.User{ID: "u-1", Username: "alice", GlobalName: "Alice"},
	}})
	g.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "general",
		GuildID:   "guild-9",
		Content:   "hello all",
		Timestamp: at,
		Author:    &discordgo.User{ID: "u-2", Username: "bob"},
		Member:    &discordgo.Member{Nick: "Bobby"},
	}})
	// Own message and empty message are ignored.
	g.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "general", GuildID: "guild-9", Content: "echo", Author: bot,
	}})
	g.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "general", GuildID: "guild-9", Content: "  ", Author: &discordgo.User{ID: "u-2"},
	}})

	want := []*transcript.Message{
		{
			Sender:    transcript.Party{ID: "u-1", DisplayName: "Alice", Handle: "alice"},
			Recipient: transcript.Party{ID: "bot-1", DisplayName: "amicus", Handle: "amicus"},
			Timestamp: at,
			ChannelID: "dm-chan",
			IsDM:      true,
			Body:      "hi there",
		},
		{
			Sender:    transcript.Party{ID: "u-2", DisplayName: "Bobby", Handle: "bob"},
			Recipient: transcript.ChannelParty("general"),
			Timestamp: at,
			ChannelID: "general",
			GuildID:   "guild-9",
			Body:      "hello all",
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("converted messages mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleMessageCreate_NoHandlerDrops(t *testing.T) {
	g, _ := newTestGateway(&mockSession{})
	g.handleReady(nil, &discordgo.Ready{User: bot})
	// Must not panic.
	g.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "c", Content: "hi", Author: &discordgo.User{ID: "u-1"},
	}})
}

func TestDeliver_DMOpensUserChannel(t *testing.T) {
	s := &mockSession{}
	g, slept := newTestGateway(s)

	err := g.Deliver(context.Background(), agent.Target{ChannelID: "stale", UserID: "u-1", IsDM: true}, "hey", 20*time.Second)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"u-1"}, s.dms); diff != "" {
		t.Errorf("DM channel requests mismatch:\n%s", diff)
	}
	if diff := cmp.Diff([]sent{{"dm-u-1", "hey"}}, s.sent, cmp.AllowUnexported(sent{})); diff != "" {
		t.Errorf("sent mismatch:\n%s", diff)
	}
	if diff := cmp.Diff([]time.Duration{8 * time.Second, 8 * time.Second, 4 * time.Second}, *slept); diff != "" {
		t.Errorf("typing sleeps mismatch:\n%s", diff)
	}
	if len(s.typing) != 3 {
		t.Errorf("typing indicator sent %d times, want 3", len(s.typing))
	}
}

func TestDeliver_GuildChannel(t *testing.T) {
	s := &mockSession{}
	g, _ := newTestGateway(s)

	if err := g.Deliver(context.Background(), agent.Target{ChannelID: "general", GuildID: "g"}, "hi", 0); err != nil {
		t.Fatal(err)
	}
	if err := g.Close(); err != nil {
		t.Fatal(err)
	}
	if len(s.dms) != 0 || len(s.typing) != 0 || len(s.sent) != 1 || s.sent[0].channelID != "general" {
		t.Errorf("dms=%v typing=%v sent=%v", s.dms, s.typing, s.sent)
	}
}

func TestDeliver_SendErrorIsLogged(t *testing.T) {
	var logs syncBuffer
	s := &mockSession{sendErr: errors.New("missing access")}
	g, _ := newTestGatewayWithLog(s, &logs)

	if err := g.Deliver(context.Background(), agent.Target{ChannelID: "general"}, "hi", 0); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatal(err)
	}
	if out := logs.String(); !strings.Contains(out, "delivery failed") || !strings.Contains(out, "missing access") {
		t.Errorf("log output %q missing send error", out)
	}
}

func TestDeliver_ReturnsBeforeTypingEnds(t *testing.T) {
	s := &mockSession{}
	g, _ := newTestGateway(s)
	typing := make(chan struct{})
	release := make(chan struct{})
	g.sleep = func(_ context.Context, _ time.Duration) error {
		close(typing)
		<-release
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Deliver(context.Background(), agent.Target{ChannelID: "general"}, strings.Repeat("x", 100), 2*time.Second)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Deliver: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Deliver blocked for the typing delay")
	}

	<-typing
	s.mu.Lock()
	early := len(s.sent)
	s.mu.Unlock()
	if early != 0 {
		t.Errorf("message sent before typing finished")
	}

	close(release)
	if err := g.Close(); err != nil {
		t.Fatal(err)
	}
	if len(s.sent) != 1 {
		t.Errorf("sent %d messages after Close, want 1", len(s.sent))
	}
}

func TestDeliver_AfterCloseFails(t *testing.T) {
	g, _ := newTestGateway(&mockSession{})
	if err := g.Close(); err != nil {
		t.Fatal(err)
	}
	if err := g.Deliver(context.Background(), agent.Target{ChannelID: "general"}, "hi", 0); err == nil {
		t.Error("Deliver after Close should fail")
	}
}

// syncBuffer is a bytes.Buffer safe for the delivery goroutine to log into.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{"short", "hello", 10, []string{"hello"}},
		{"empty", "", 10, nil},
		{"prefers newline", "aaaa\nbbbb\ncc", 10, []string{"aaaa\nbbbb", "cc"}},
		{"hard cut", "abcdefghij12", 5, []string{"abcde", "fghij", "12"}},
		{"keeps runes whole", "ééé", 3, []string{"é", "é", "é"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, splitMessage(tt.text, tt.limit)); diff != "" {
				t.Errorf("splitMessage mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
