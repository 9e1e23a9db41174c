package agent

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/amicus/internal/transcript"
)

type delivery struct {
	target Target
	text   string
	delay  time.Duration
}

type fakeDeliverer struct {
	mu   sync.Mutex
	sent []delivery
	err  error
	done chan struct{}
}

func (d *fakeDeliverer) Deliver(_ context.Context, target Target, text string, delay time.Duration) error {
	d.mu.Lock()
	d.sent = append(d.sent, delivery{target, text, delay})
	d.mu.Unlock()
	if d.done != nil {
		d.done <- struct{}{}
	}
	return d.err
}

type runtimeFixture struct {
	rt        *Runtime
	db        *sql.DB
	messages  *transcript.Store
	client    *scriptedLLM
	deliverer *fakeDeliverer
	logPath   string
}

func newRuntimeFixture(t *testing.T, replies ...string) *runtimeFixture {
	t.Helper()
	db := openDB(t)
	messages, err := transcript.NewStore(db)
	if err != nil {
		t.Fatalf("transcript store: %v", err)
	}
	id := testIdentity(t, nil)
	client := &scriptedLLM{replies: replies}
	deliverer := &fakeDeliverer{done: make(chan struct{}, 8)}
	logPath := filepath.Join(t.TempDir(), "interaction_history.txt")

	rt := NewRuntime(Deps{
		Identity:  id,
		Messages:  messages,
		Loop:      NewLoop(client, testRegistry(id), id, LoopConfig{}, quietLogger()),
		Deliverer: deliverer,
	}, RuntimeConfig{
		LongHistory:    20,
		ShortHistory:   5,
		TypingSpeed:    50,
		InteractionLog: logPath,
		IdleWake:       time.Hour,
	}, quietLogger())

	return &runtimeFixture{rt: rt, db: db, messages: messages, client: client, deliverer: deliverer, logPath: logPath}
}

func TestHandleIncoming_RepliesOnWorker(t *testing.T) {
	f := newRuntimeFixture(t, `{"thought": "easy", "action": "respond", "response": "It's 4!"}`)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := &transcript.Message{
		Sender:    alice,
		Recipient: agent,
		Timestamp: epoch,
		ChannelID: "dm-1",
		IsDM:      true,
		Body:      "what is 2+2?",
	}
	if err := f.rt.HandleIncoming(ctx, msg); err != nil {
		t.Fatalf("HandleIncoming: %v", err)
	}
	if err := f.rt.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.rt.Stop()

	select {
	case <-f.deliverer.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	f.rt.Stop()

	got := f.deliverer.sent[0]
	if got.text != "It's 4!" {
		t.Errorf("delivered %q", got.text)
	}
	wantTarget := Target{ChannelID: "dm-1", UserID: "u-alice", IsDM: true}
	if got.target != wantTarget {
		t.Errorf("target = %+v, want %+v", got.target, wantTarget)
	}
	if got.delay != 140*time.Millisecond {
		t.Errorf("typing delay = %v, want 140ms for 7 chars at 50 cps", got.delay)
	}

	recent, err := f.messages.Recent(context.Background(), "dm-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Fatalf("transcript has %d messages, want 2", len(recent))
	}
	reply := recent[1]
	if reply.Sender.ID != "agent-1" || reply.Recipient.ID != "u-alice" || reply.Body != "It's 4!" || !reply.IsDM {
		t.Errorf("recorded reply = %+v", reply)
	}

	data, err := os.ReadFile(f.logPath)
	if err != nil {
		t.Fatalf("interaction log: %v", err)
	}
	if !strings.Contains(string(data), "LLM call 1") {
		t.Errorf("interaction log missing call header:\n%s", data)
	}
}

func TestRespond_SkipsWhenAgentSpokeLast(t *testing.T) {
	f := newRuntimeFixture(t, `{"action": "respond", "response": "again?"}`)
	appendMessage(t, f.messages, "dm-1", alice, agent, "hi", 0)
	appendMessage(t, f.messages, "dm-1", agent, alice, "hello!", 1)

	if err := f.rt.respond(context.Background(), "dm-1"); err != nil {
		t.Fatal(err)
	}
	if f.client.calls() != 0 || len(f.deliverer.sent) != 0 {
		t.Errorf("agent answered itself: calls=%d sent=%d", f.client.calls(), len(f.deliverer.sent))
	}
}

func TestRespond_RecordsReplyWhenDeliveryFails(t *testing.T) {
	f := newRuntimeFixture(t, `{"action": "respond", "response": "hello"}`)
	f.deliverer.err = os.ErrDeadlineExceeded
	appendMessage(t, f.messages, "dm-1", alice, agent, "hi", 0)

	if err := f.rt.respond(context.Background(), "dm-1"); err == nil {
		t.Fatal("expected delivery error")
	}
	recent, _ := f.messages.Recent(context.Background(), "dm-1", 10)
	if len(recent) != 2 || recent[1].Sender.ID != "agent-1" {
		t.Errorf("reply not recorded: %+v", recent)
	}
}

func TestScanChannels(t *testing.T) {
	ctx := context.Background()
	f := newRuntimeFixture(t, `{"action": "respond", "response": "hi"}`)

	appendMessage(t, f.messages, "owed", alice, agent, "hello?", 0)
	appendMessage(t, f.messages, "answered", alice, agent, "hello?", 0)
	appendMessage(t, f.messages, "answered", agent, alice, "hi!", 1)

	if err := f.rt.ScanChannels(ctx); err != nil {
		t.Fatal(err)
	}
	if n := f.rt.Scheduler().QueueLen(); n != 1 {
		t.Fatalf("queued %d tasks, want 1", n)
	}

	// A pending response is not queued twice.
	if err := f.rt.ScanChannels(ctx); err != nil {
		t.Fatal(err)
	}
	if n := f.rt.Scheduler().QueueLen(); n != 1 {
		t.Errorf("queued %d tasks after rescan, want 1", n)
	}
}

func TestScanChannels_SkipsFailedUntilNewMessage(t *testing.T) {
	ctx := context.Background()
	f := newRuntimeFixture(t, "never valid")
	f.client.err = os.ErrClosed
	appendMessage(t, f.messages, "dm-1", alice, agent, "hello?", 0)

	if err := f.rt.respond(ctx, "dm-1"); err == nil {
		t.Fatal("expected reasoning error")
	}
	if err := f.rt.ScanChannels(ctx); err != nil {
		t.Fatal(err)
	}
	if n := f.rt.Scheduler().QueueLen(); n != 0 {
		t.Fatalf("failed channel was requeued (%d tasks)", n)
	}

	appendMessage(t, f.messages, "dm-1", alice, agent, "anyone there?", 5)
	if err := f.rt.ScanChannels(ctx); err != nil {
		t.Fatal(err)
	}
	if n := f.rt.Scheduler().QueueLen(); n != 1 {
		t.Errorf("new message should requeue the channel, queued %d", n)
	}
}

func TestScanChannels_SkipsChannelWhenReplyNotRecorded(t *testing.T) {
	ctx := context.Background()
	f := newRuntimeFixture(t, `{"action": "respond", "response": "hello"}`, `{"action": "respond", "response": "hello again"}`)
	appendMessage(t, f.messages, "dm-1", alice, agent, "hello?", 0)

	_, err := f.db.Exec(`CREATE TRIGGER fail_agent_rows BEFORE INSERT ON messages
		WHEN NEW.sender_id = 'agent-1'
		BEGIN SELECT RAISE(ABORT, 'disk I/O error'); END`)
	if err != nil {
		t.Fatal(err)
	}

	if err := f.rt.respond(ctx, "dm-1"); err == nil || !strings.Contains(err.Error(), "record outgoing message") {
		t.Fatalf("respond error = %v, want record failure", err)
	}
	if len(f.deliverer.sent) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(f.deliverer.sent))
	}
	if err := f.rt.ScanChannels(ctx); err != nil {
		t.Fatal(err)
	}
	if n := f.rt.Scheduler().QueueLen(); n != 0 {
		t.Errorf("channel was requeued after delivery (%d tasks), reply would be sent twice", n)
	}
}

func TestTypingDelay(t *testing.T) {
	f := newRuntimeFixture(t, "{}")
	if got := f.rt.TypingDelay(strings.Repeat("x", 100)); got != 2*time.Second {
		t.Errorf("TypingDelay(100 chars) = %v, want 2s", got)
	}
}

func TestStatus(t *testing.T) {
	f := newRuntimeFixture(t, "{}")
	appendMessage(t, f.messages, "dm-1", alice, agent, "hi", 0)

	st, err := f.rt.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Name != "amicus" || st.Model != "phi3:latest" || st.Transcript.Messages != 1 || st.Memory != nil {
		t.Errorf("status = %+v", st)
	}
}
