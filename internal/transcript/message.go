// Package transcript is the durable, append-only log of every inbound
// and outbound chat message. It is the single source of truth for what
// was said; long-term memory chunks are derived from it.
package transcript

import (
	"fmt"
	"time"
)

// Unindexed is the chunk locator of a message that has not yet been
// ingested into long-term memory.
const Unindexed = -1

// DisplayTimeFormat is used when rendering messages for the model.
const DisplayTimeFormat = "2006-01-02 15:04:05"

// Party identifies one side of a message.
type Party struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Handle      string `json:"handle"`
}

// Label renders the party the way transcripts show it: the display
// name alone when it equals the handle, otherwise "display (id)".
func (p Party) Label() string {
	if p.DisplayName == p.Handle {
		return p.DisplayName
	}
	return fmt.Sprintf("%s (%s)", p.DisplayName, p.ID)
}

// ChannelParty is the recipient recorded for messages addressed to a
// group channel rather than a person.
func ChannelParty(channelID string) Party {
	return Party{ID: channelID, DisplayName: "Channel", Handle: "Channel"}
}

// Message is one transcript row. Messages are immutable once written
// except for ChunkLocator, which memory ingestion assigns exactly once.
type Message struct {
	ID           int64     `json:"id"`
	Sender       Party     `json:"sender"`
	Recipient    Party     `json:"recipient"`
	Timestamp    time.Time `json:"timestamp"`
	ChannelID    string    `json:"channel_id"`
	GuildID      string    `json:"guild_id,omitempty"` // empty for DMs
	IsDM         bool      `json:"is_dm"`
	ChunkLocator int       `json:"chunk_locator"`
	Body         string    `json:"body"`
}

// Format renders the message as a single transcript line:
//
//	[2024-05-01 18:04:11] Sender -> Recipient: body
func (m *Message) Format() string {
	return fmt.Sprintf("[%s] %s -> %s: %s",
		m.Timestamp.UTC().Format(DisplayTimeFormat),
		m.Sender.Label(), m.Recipient.Label(), m.Body)
}

// Counterparty describes who the agent is talking to in a channel.
type Counterparty struct {
	Party
	ChannelID string
	GuildID   string
	IsDM      bool
}

// Stats summarizes the transcript.
type Stats struct {
	Messages   int `json:"messages"`
	Channels   int `json:"channels"`
	Uningested int `json:"uningested"`
}
