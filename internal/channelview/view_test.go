package channelview

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/amicus/internal/transcript"
)

var (
	agent = transcript.Party{ID: "1", DisplayName: "amicus", Handle: "amicus"}
	alice = transcript.Party{ID: "100", DisplayName: "Alice", Handle: "alice"}
	bob   = transcript.Party{ID: "200", DisplayName: "Bobby", Handle: "bob"}
)

// build makes a DM transcript from a speaker pattern such as "UUA".
func build(pattern string, dm bool) []transcript.Message {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	var msgs []transcript.Message
	for i, c := range pattern {
		m := transcript.Message{
			ID:        int64(i + 1),
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			ChannelID: "chan-1",
			IsDM:      dm,
			Body:      "message",
		}
		if !dm {
			m.GuildID = "guild-9"
		}
		if c == 'A' {
			m.Sender, m.Recipient = agent, alice
		} else {
			m.Sender, m.Recipient = alice, agent
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func TestShouldRespond(t *testing.T) {
	tests := []struct {
		pattern string
		want    bool
	}{
		{"AAA", false},
		{"AUU", true},
		{"UA", false},
		{"UUA", false},
		{"UU", true},
		{"", false},
		{"U", true},
		{"UAUUUU", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			v := New(build(tt.pattern, true), agent.ID, Options{})
			if got := v.ShouldRespond(); got != tt.want {
				t.Errorf("ShouldRespond(%q) = %v, want %v", tt.pattern, got, tt.want)
			}
		})
	}
}

func TestShortHistory_Window(t *testing.T) {
	msgs := build("UAUAUAU", true)
	v := New(msgs, agent.ID, Options{ShortWindow: 3})

	lines := strings.Split(strings.TrimSpace(v.ShortHistory()), "\n")
	if len(lines) != 3 {
		t.Fatalf("short history has %d lines, want 3", len(lines))
	}
	if lines[2] != msgs[6].Format() {
		t.Errorf("last line = %q, want %q", lines[2], msgs[6].Format())
	}
}

func TestShortHistory_FewerThanWindow(t *testing.T) {
	v := New(build("UA", true), agent.ID, Options{})
	if n := strings.Count(v.ShortHistory(), "\n"); n != 2 {
		t.Errorf("short history has %d lines, want 2", n)
	}
}

func TestLongHistory_DM(t *testing.T) {
	v := New(build("UAU", true), agent.ID, Options{})
	got := v.LongHistory()

	if !strings.HasPrefix(got, "This is the most recent DM history between you and Alice in channel chan-1\n") {
		t.Errorf("unexpected DM header:\n%s", got)
	}
	if !strings.Contains(got, columnLegend) {
		t.Error("missing column legend")
	}
	if strings.Count(got, "\n") != 5 {
		t.Errorf("long history has %d lines, want header + legend + 3", strings.Count(got, "\n"))
	}
}

func TestLongHistory_Group(t *testing.T) {
	msgs := build("UAU", false)
	msgs[2].Sender = bob
	v := New(msgs, agent.ID, Options{})
	got := v.LongHistory()

	if !strings.Contains(got, "for channel chan-1 in guild guild-9") {
		t.Errorf("unexpected group header:\n%s", got)
	}
	if !strings.Contains(got, "The people who have spoken in this channel are: Alice, Bobby\n") {
		t.Errorf("missing speaker list:\n%s", got)
	}
}

func TestSpeakersAndTurns(t *testing.T) {
	msgs := build("UAU", false)
	msgs[0].Sender = bob
	v := New(msgs, agent.ID, Options{})

	if diff := cmp.Diff([]string{"Alice", "Bobby"}, v.Speakers()); diff != "" {
		t.Errorf("Speakers() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]bool{false, true, false}, v.AgentTurns()); diff != "" {
		t.Errorf("AgentTurns() mismatch (-want +got):\n%s", diff)
	}
	if v.IsDM() {
		t.Error("IsDM() = true for guild channel")
	}
	if v.Len() != 3 || v.ChannelID() != "chan-1" {
		t.Errorf("Len/ChannelID = %d/%q", v.Len(), v.ChannelID())
	}
}
