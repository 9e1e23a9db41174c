package transcript

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoChannel is returned when a channel has no messages.
var ErrNoChannel = errors.New("channel has no messages")

// storedTimeFormat is fixed-width so lexical order equals time order.
const storedTimeFormat = "2006-01-02T15:04:05.000000000Z"

// Store persists messages in SQLite. Every write is a single statement
// committed before the call returns, so writes from the event context
// and the worker never interleave partially.
type Store struct {
	db *sql.DB
}

// NewStore creates a transcript store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate transcript: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS messages (
		id                     INTEGER PRIMARY KEY AUTOINCREMENT,
		sender_id              TEXT NOT NULL,
		sender_display_name    TEXT NOT NULL,
		sender_handle          TEXT NOT NULL,
		recipient_id           TEXT NOT NULL,
		recipient_display_name TEXT NOT NULL,
		recipient_handle       TEXT NOT NULL,
		timestamp              TEXT NOT NULL,
		channel_id             TEXT NOT NULL,
		guild_id               TEXT,
		is_dm                  BOOLEAN NOT NULL DEFAULT FALSE,
		chunk_locator          INTEGER NOT NULL DEFAULT -1,
		body                   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_channel_ts ON messages(channel_id, timestamp, id);
	CREATE INDEX IF NOT EXISTS idx_messages_channel_locator ON messages(channel_id, chunk_locator);
	`)
	return err
}

// DB exposes the underlying handle so the memory index can stamp
// locators inside its own transaction.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Append writes m and sets m.ID. A zero timestamp is filled with the
// current UTC time; the locator always starts at [Unindexed].
func (s *Store) Append(ctx context.Context, m *Message) error {
	if m.ChannelID == "" {
		return fmt.Errorf("append message: empty channel id")
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	m.Timestamp = m.Timestamp.UTC()
	m.ChunkLocator = Unindexed

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (
			sender_id, sender_display_name, sender_handle,
			recipient_id, recipient_display_name, recipient_handle,
			timestamp, channel_id, guild_id, is_dm, chunk_locator, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Sender.ID, m.Sender.DisplayName, m.Sender.Handle,
		m.Recipient.ID, m.Recipient.DisplayName, m.Recipient.Handle,
		m.Timestamp.Format(storedTimeFormat), m.ChannelID, nullString(m.GuildID),
		m.IsDM, Unindexed, m.Body,
	)
	if err != nil {
		return fmt.Errorf("append message to %s: %w", m.ChannelID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("append message to %s: last insert id: %w", m.ChannelID, err)
	}
	m.ID = id
	return nil
}

const selectColumns = `id, sender_id, sender_display_name, sender_handle,
	recipient_id, recipient_display_name, recipient_handle,
	timestamp, channel_id, guild_id, is_dm, chunk_locator, body`

// Recent returns the newest n messages of a channel in chronological
// order. An unknown channel yields an empty slice.
func (s *Store) Recent(ctx context.Context, channelID string, n int) ([]Message, error) {
	if n <= 0 {
		return []Message{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT `+selectColumns+` FROM messages
			WHERE channel_id = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		) ORDER BY timestamp ASC, id ASC`, channelID, n)
	if err != nil {
		return nil, fmt.Errorf("recent messages for %s: %w", channelID, err)
	}
	return scanMessages(rows)
}

// Uningested returns the messages of a channel that have no chunk
// locator yet, oldest first.
func (s *Store) Uningested(ctx context.Context, channelID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM messages
		WHERE channel_id = ? AND chunk_locator = ?
		ORDER BY timestamp ASC, id ASC`, channelID, Unindexed)
	if err != nil {
		return nil, fmt.Errorf("uningested messages for %s: %w", channelID, err)
	}
	return scanMessages(rows)
}

// CountUningested returns how many messages of a channel still await
// ingestion.
func (s *Store) CountUningested(ctx context.Context, channelID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE channel_id = ? AND chunk_locator = ?`,
		channelID, Unindexed).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count uningested for %s: %w", channelID, err)
	}
	return n, nil
}

// ChannelIDs returns every channel that has at least one message.
func (s *Store) ChannelIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT channel_id FROM messages ORDER BY channel_id`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan channel id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Counterparty derives who the agent talks to in a channel from the
// channel's first message: the sender when the first message came in,
// the recipient when the agent spoke first.
func (s *Store) Counterparty(ctx context.Context, channelID, agentID string) (*Counterparty, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM messages
		WHERE channel_id = ?
		ORDER BY timestamp ASC, id ASC
		LIMIT 1`, channelID)
	if err != nil {
		return nil, fmt.Errorf("counterparty for %s: %w", channelID, err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("counterparty for %s: %w", channelID, ErrNoChannel)
	}

	first := msgs[0]
	party := first.Sender
	if first.Sender.ID == agentID {
		party = first.Recipient
	}
	return &Counterparty{
		Party:     party,
		ChannelID: first.ChannelID,
		GuildID:   first.GuildID,
		IsDM:      first.IsDM,
	}, nil
}

// Stamp assigns locator to the given messages inside tx. Only rows that
// are still [Unindexed] are touched; if any id was already stamped the
// call fails so the caller's transaction rolls back.
func (s *Store) Stamp(ctx context.Context, tx *sql.Tx, ids []int64, locator int) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+2)
	args = append(args, locator, Unindexed)
	for _, id := range ids {
		args = append(args, id)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET chunk_locator = ? WHERE chunk_locator = ? AND id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("stamp locator %d: %w", locator, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("stamp locator %d: rows affected: %w", locator, err)
	}
	if int(n) != len(ids) {
		return fmt.Errorf("stamp locator %d: %d of %d messages were already ingested", locator, len(ids)-int(n), len(ids))
	}
	return nil
}

// ResetFrom returns messages stamped with a locator >= from to
// [Unindexed]. Used when the vector file is shorter than the chunk
// table and the tail must be re-ingested.
func (s *Store) ResetFrom(ctx context.Context, tx *sql.Tx, from int) (int, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET chunk_locator = ? WHERE chunk_locator >= ?`, Unindexed, from)
	if err != nil {
		return 0, fmt.Errorf("reset locators from %d: %w", from, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Stats returns message, channel and backlog counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(DISTINCT channel_id),
		       COALESCE(SUM(CASE WHEN chunk_locator = -1 THEN 1 ELSE 0 END), 0)
		FROM messages`).Scan(&st.Messages, &st.Channels, &st.Uningested)
	if err != nil {
		return Stats{}, fmt.Errorf("transcript stats: %w", err)
	}
	return st, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var (
			m     Message
			ts    string
			guild sql.NullString
		)
		if err := rows.Scan(&m.ID,
			&m.Sender.ID, &m.Sender.DisplayName, &m.Sender.Handle,
			&m.Recipient.ID, &m.Recipient.DisplayName, &m.Recipient.Handle,
			&ts, &m.ChannelID, &guild, &m.IsDM, &m.ChunkLocator, &m.Body,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		t, err := time.Parse(storedTimeFormat, ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q of message %d: %w", ts, m.ID, err)
		}
		m.Timestamp = t
		m.GuildID = guild.String
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
