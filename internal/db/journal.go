package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netchan/internal/events"
)

// Counter names a per-session fault or traffic counter.
type Counter string

const (
	CounterCommands          Counter = "commands"
	CounterSidebandReceived  Counter = "sideband_received"
	CounterSidebandOverflows Counter = "sideband_overflows"
	CounterPacketsDropped    Counter = "packets_dropped"
	CounterDesyncs           Counter = "desyncs"
)

// counterColumns whitelists the columns Increment may touch.
var counterColumns = map[Counter]string{
	CounterCommands:          "commands",
	CounterSidebandReceived:  "sideband_received",
	CounterSidebandOverflows: "sideband_overflows",
	CounterPacketsDropped:    "packets_dropped",
	CounterDesyncs:           "desyncs",
}

// Session is one journal row.
type Session struct {
	ID             int64      `json:"id"`
	ChannelID      string     `json:"channel_id"`
	Role           string     `json:"role"`
	Remote         string     `json:"remote"`
	Challenge      uint32     `json:"challenge"`
	SessionID      uint32     `json:"session_id"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	Reason         string     `json:"reason,omitempty"`

	Commands          int64 `json:"commands"`
	SidebandReceived  int64 `json:"sideband_received"`
	SidebandOverflows int64 `json:"sideband_overflows"`
	PacketsDropped    int64 `json:"packets_dropped"`
	Desyncs           int64 `json:"desyncs"`
}

// Journal records channel sessions as they come and go.
type Journal struct {
	db *Database
}

// NewJournal creates the journal schema in database if needed.
func NewJournal(database *Database) (*Journal, error) {
	j := &Journal{db: database}
	if err := j.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate session journal: %w", err)
	}
	return j, nil
}

// journalMigrations are applied in order; append, never edit.
var journalMigrations = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		remote TEXT NOT NULL DEFAULT '',
		challenge INTEGER NOT NULL DEFAULT 0,
		session_id INTEGER NOT NULL DEFAULT 0,
		connected_at TEXT NOT NULL,
		disconnected_at TEXT,
		reason TEXT NOT NULL DEFAULT '',
		commands INTEGER NOT NULL DEFAULT 0,
		sideband_received INTEGER NOT NULL DEFAULT 0,
		sideband_overflows INTEGER NOT NULL DEFAULT 0,
		packets_dropped INTEGER NOT NULL DEFAULT 0,
		desyncs INTEGER NOT NULL DEFAULT 0,
		UNIQUE (channel_id, session_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_channel ON sessions(channel_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_disconnected ON sessions(disconnected_at)`,
}

func (j *Journal) migrate() error {
	return j.db.Migrate(journalMigrations)
}

// RecordConnect opens a session row.
func (j *Journal) RecordConnect(p events.ChannelPayload, at time.Time) error {
	_, err := j.db.Exec(`
		INSERT INTO sessions (channel_id, role, remote, challenge, session_id, connected_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel_id, session_id) DO UPDATE SET
			role = excluded.role,
			remote = excluded.remote,
			challenge = excluded.challenge`,
		p.ChannelID, p.Role, p.Remote, p.Challenge, p.SessionID, formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to record connect for %s: %w", p.ChannelID, err)
	}
	return nil
}

// RecordDisconnect closes a session row, creating it if the connect
// record never made it.
func (j *Journal) RecordDisconnect(p events.ChannelPayload, at time.Time) error {
	ts := formatTime(at)
	_, err := j.db.Exec(`
		INSERT INTO sessions (channel_id, role, remote, challenge, session_id, connected_at, disconnected_at, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel_id, session_id) DO UPDATE SET
			disconnected_at = excluded.disconnected_at,
			reason = excluded.reason`,
		p.ChannelID, p.Role, p.Remote, p.Challenge, p.SessionID, ts, ts, p.Reason)
	if err != nil {
		return fmt.Errorf("failed to record disconnect for %s: %w", p.ChannelID, err)
	}
	return nil
}

// Increment bumps a counter on the newest session of channelID.
func (j *Journal) Increment(channelID string, c Counter) error {
	col, ok := counterColumns[c]
	if !ok {
		return fmt.Errorf("unknown journal counter %q", c)
	}

	query := fmt.Sprintf(`
		UPDATE sessions SET %[1]s = %[1]s + 1
		WHERE id = (SELECT id FROM sessions WHERE channel_id = ? ORDER BY id DESC LIMIT 1)`, col)
	if _, err := j.db.Exec(query, channelID); err != nil {
		return fmt.Errorf("failed to increment %s for %s: %w", col, channelID, err)
	}
	return nil
}

// Recent returns up to limit sessions, newest first.
func (j *Journal) Recent(limit int) ([]Session, error) {
	rows, err := j.db.Query(`
		SELECT id, channel_id, role, remote, challenge, session_id, connected_at,
			disconnected_at, reason, commands, sideband_received, sideband_overflows,
			packets_dropped, desyncs
		FROM sessions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			s            Session
			connected    string
			disconnected sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.ChannelID, &s.Role, &s.Remote, &s.Challenge, &s.SessionID,
			&connected, &disconnected, &s.Reason, &s.Commands, &s.SidebandReceived,
			&s.SidebandOverflows, &s.PacketsDropped, &s.Desyncs); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.ConnectedAt = parseTime(connected)
		if disconnected.Valid {
			t := parseTime(disconnected.String)
			s.DisconnectedAt = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Prune deletes closed sessions that ended before cutoff.
func (j *Journal) Prune(cutoff time.Time) (int64, error) {
	res, err := j.db.Exec(`
		DELETE FROM sessions
		WHERE disconnected_at IS NOT NULL AND disconnected_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	return res.RowsAffected()
}

// Attach subscribes the journal to channel events on bus.
func (j *Journal) Attach(bus *events.EventBus) {
	bus.Subscribe("journal.lifecycle", j.onLifecycle,
		events.EventChannelConnected,
		events.EventChannelDisconnected,
	)
	bus.Subscribe("journal.counters", j.onCounter,
		events.EventServerCommand,
		events.EventClientCommand,
		events.EventSidebandReceived,
		events.EventSidebandOverflow,
		events.EventPacketDropped,
		events.EventDesync,
	)
	log.Debug().Msg("session journal attached")
}

func (j *Journal) onLifecycle(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.ChannelPayload)
	if !ok {
		return nil
	}
	if event.Type == events.EventChannelConnected {
		return j.RecordConnect(p, time.Now())
	}
	return j.RecordDisconnect(p, time.Now())
}

func (j *Journal) onCounter(ctx context.Context, event events.Event) error {
	switch p := event.Payload.(type) {
	case events.CommandPayload:
		return j.Increment(p.ChannelID, CounterCommands)
	case events.SidebandPayload:
		if event.Type == events.EventSidebandOverflow {
			return j.Increment(p.ChannelID, CounterSidebandOverflows)
		}
		return j.Increment(p.ChannelID, CounterSidebandReceived)
	case events.PacketDroppedPayload:
		return j.Increment(p.ChannelID, CounterPacketsDropped)
	case events.DesyncPayload:
		return j.Increment(p.ChannelID, CounterDesyncs)
	}
	return nil
}

// Times are stored as fixed-width UTC text so that they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
