package transcript

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "transcript.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

var (
	alice = Party{ID: "100", DisplayName: "Alice", Handle: "alice"}
	agent = Party{ID: "1", DisplayName: "amicus", Handle: "amicus"}
	base  = time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)
)

func appendN(t *testing.T, s *Store, channel string, n int) []Message {
	t.Helper()
	var out []Message
	for i := 0; i < n; i++ {
		m := Message{
			Sender:    alice,
			Recipient: agent,
			Timestamp: base.Add(time.Duration(i) * time.Second),
			ChannelID: channel,
			IsDM:      true,
			Body:      "msg",
		}
		if err := s.Append(context.Background(), &m); err != nil {
			t.Fatalf("append: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func TestAppend_AssignsIDAndUnindexed(t *testing.T) {
	s := setupTestStore(t)
	m := Message{Sender: alice, Recipient: agent, ChannelID: "dm-1", IsDM: true, Body: "hi", ChunkLocator: 7}

	if err := s.Append(context.Background(), &m); err != nil {
		t.Fatalf("append: %v", err)
	}
	if m.ID == 0 {
		t.Error("expected ID to be set")
	}
	if m.ChunkLocator != Unindexed {
		t.Errorf("ChunkLocator = %d, want %d", m.ChunkLocator, Unindexed)
	}
	if m.Timestamp.IsZero() {
		t.Error("expected zero timestamp to be filled")
	}
}

func TestAppend_RejectsEmptyChannel(t *testing.T) {
	s := setupTestStore(t)
	m := Message{Sender: alice, Recipient: agent, Body: "hi"}
	if err := s.Append(context.Background(), &m); err == nil {
		t.Fatal("expected error for empty channel id")
	}
}

func TestRecent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	appendN(t, s, "dm-1", 10)
	appendN(t, s, "dm-2", 3)

	got, err := s.Recent(ctx, "dm-1", 4)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Errorf("messages out of order at %d", i)
		}
	}
	if want := base.Add(9 * time.Second); !got[3].Timestamp.Equal(want) {
		t.Errorf("last timestamp = %v, want %v", got[3].Timestamp, want)
	}

	all, err := s.Recent(ctx, "dm-2", 50)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("len = %d, want 3 (fewer than requested)", len(all))
	}
}

func TestRecent_EmptyCases(t *testing.T) {
	s := setupTestStore(t)
	appendN(t, s, "dm-1", 2)

	for _, tc := range []struct {
		channel string
		n       int
	}{
		{"unknown", 5},
		{"dm-1", 0},
		{"dm-1", -3},
	} {
		got, err := s.Recent(context.Background(), tc.channel, tc.n)
		if err != nil {
			t.Fatalf("recent(%q, %d): %v", tc.channel, tc.n, err)
		}
		if got == nil || len(got) != 0 {
			t.Errorf("recent(%q, %d) = %v, want empty non-nil slice", tc.channel, tc.n, got)
		}
	}
}

func TestRecent_SameTimestampKeepsInsertOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	for _, body := range []string{"first", "second", "third"} {
		m := Message{Sender: alice, Recipient: agent, Timestamp: base, ChannelID: "dm-1", Body: body}
		if err := s.Append(ctx, &m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := s.Recent(ctx, "dm-1", 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if got[0].Body != "first" || got[2].Body != "third" {
		t.Errorf("order = %q, %q, %q", got[0].Body, got[1].Body, got[2].Body)
	}
}

func TestChannelIDs(t *testing.T) {
	s := setupTestStore(t)
	appendN(t, s, "b", 1)
	appendN(t, s, "a", 2)

	ids, err := s.ChannelIDs(context.Background())
	if err != nil {
		t.Fatalf("channel ids: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("ChannelIDs() = %v, want [a b]", ids)
	}
}

func TestCounterparty(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.Counterparty(ctx, "nope", agent.ID); !errors.Is(err, ErrNoChannel) {
		t.Fatalf("err = %v, want ErrNoChannel", err)
	}

	// Agent speaks first: counterparty is the recipient.
	first := Message{Sender: agent, Recipient: alice, Timestamp: base, ChannelID: "dm-1", IsDM: true, Body: "hello"}
	if err := s.Append(ctx, &first); err != nil {
		t.Fatalf("append: %v", err)
	}
	appendN(t, s, "dm-1", 1)

	cp, err := s.Counterparty(ctx, "dm-1", agent.ID)
	if err != nil {
		t.Fatalf("counterparty: %v", err)
	}
	if cp.ID != alice.ID || !cp.IsDM || cp.GuildID != "" {
		t.Errorf("counterparty = %+v", cp)
	}
}

func TestStamp(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	msgs := appendN(t, s, "dm-1", 5)

	tx, err := s.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.Stamp(ctx, tx, []int64{msgs[0].ID, msgs[1].ID}, 0); err != nil {
		t.Fatalf("stamp: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	left, err := s.Uningested(ctx, "dm-1")
	if err != nil {
		t.Fatalf("uningested: %v", err)
	}
	if len(left) != 3 {
		t.Errorf("uningested = %d, want 3", len(left))
	}

	// Restamping an ingested message fails.
	tx, err = s.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := s.Stamp(ctx, tx, []int64{msgs[1].ID, msgs[2].ID}, 1); err == nil {
		t.Fatal("expected error restamping ingested message")
	}
}

func TestStats(t *testing.T) {
	s := setupTestStore(t)
	appendN(t, s, "dm-1", 3)
	appendN(t, s, "dm-2", 2)

	st, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := Stats{Messages: 5, Channels: 2, Uningested: 5}
	if st != want {
		t.Errorf("Stats() = %+v, want %+v", st, want)
	}
}

func TestFormat(t *testing.T) {
	m := Message{
		Sender:    Party{ID: "100", DisplayName: "Ally", Handle: "alice"},
		Recipient: agent,
		Timestamp: time.Date(2024, 5, 1, 18, 4, 11, 0, time.UTC),
		Body:      "what's up?",
	}
	want := "[2024-05-01 18:04:11] Ally (100) -> amicus: what's up?"
	if got := m.Format(); got != want {
		t.Errorf("Format() = %q, want %q", got, want)
	}
}
