// Package channelview derives the agent's picture of one channel from a
// slice of transcript messages: whether it owes a reply, and the short
// and long history blocks that go into the prompt.
package channelview

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nugget/amicus/internal/transcript"
)

// DefaultShortWindow is the number of trailing messages the agent is
// asked to respond to.
const DefaultShortWindow = 5

// columnLegend explains the line format to the model.
const columnLegend = "[timestamp] Sender (sender_id) -> Recipient (recipient_id): message"

// Options tune a View.
type Options struct {
	ShortWindow int
}

// View is an immutable snapshot of a channel's recent messages.
type View struct {
	msgs        []transcript.Message
	agentID     string
	shortWindow int
}

// New builds a view over msgs, which must be in chronological order
// (as returned by [transcript.Store.Recent]). agentID identifies the
// agent's own messages.
func New(msgs []transcript.Message, agentID string, opts Options) *View {
	if opts.ShortWindow <= 0 {
		opts.ShortWindow = DefaultShortWindow
	}
	return &View{msgs: msgs, agentID: agentID, shortWindow: opts.ShortWindow}
}

// Len returns the number of messages in the view.
func (v *View) Len() int { return len(v.msgs) }

// ChannelID returns the channel the view covers, or "" when empty.
func (v *View) ChannelID() string {
	if len(v.msgs) == 0 {
		return ""
	}
	return v.msgs[0].ChannelID
}

// IsDM reports whether the channel is a direct-message channel.
func (v *View) IsDM() bool {
	return len(v.msgs) > 0 && v.msgs[len(v.msgs)-1].IsDM
}

// AgentTurns returns, per message, whether the agent sent it.
func (v *View) AgentTurns() []bool {
	turns := make([]bool, len(v.msgs))
	for i, m := range v.msgs {
		turns[i] = m.Sender.ID == v.agentID
	}
	return turns
}

// ShouldRespond reports whether the agent owes the channel a reply:
// the newest message came from someone else. An unanswered burst of
// human messages therefore always qualifies, and a channel whose last
// word is the agent's never does.
func (v *View) ShouldRespond() bool {
	if len(v.msgs) == 0 {
		return false
	}
	return v.msgs[len(v.msgs)-1].Sender.ID != v.agentID
}

// Speakers returns the sorted unique display names of everyone except
// the agent.
func (v *View) Speakers() []string {
	seen := make(map[string]struct{})
	for _, m := range v.msgs {
		if m.Sender.ID == v.agentID || m.Sender.DisplayName == "" {
			continue
		}
		seen[m.Sender.DisplayName] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ShortHistory renders the trailing window, one message per line.
func (v *View) ShortHistory() string {
	start := len(v.msgs) - v.shortWindow
	if start < 0 {
		start = 0
	}
	return formatLines(v.msgs[start:])
}

// LongHistory renders every message in the view under a header that
// says what kind of channel this is and who is in it.
func (v *View) LongHistory() string {
	var b strings.Builder
	speakers := strings.Join(v.Speakers(), ", ")
	if v.IsDM() {
		fmt.Fprintf(&b, "This is the most recent DM history between you and %s in channel %s\n", speakers, v.ChannelID())
	} else {
		guild := ""
		if len(v.msgs) > 0 {
			guild = v.msgs[len(v.msgs)-1].GuildID
		}
		fmt.Fprintf(&b, "This is the most recent chat history for channel %s in guild %s\n", v.ChannelID(), guild)
		fmt.Fprintf(&b, "The people who have spoken in this channel are: %s\n", speakers)
	}
	b.WriteString(columnLegend)
	b.WriteByte('\n')
	b.WriteString(formatLines(v.msgs))
	return b.String()
}

func formatLines(msgs []transcript.Message) string {
	var b strings.Builder
	for i := range msgs {
		b.WriteString(msgs[i].Format())
		b.WriteByte('\n')
	}
	return b.String()
}
