package telemetry

import (
	"fmt"
	"time"

	"github.com/arcline-robotics/motionlink/internal/link"
)

// SessionRecord is one row of session history.
type SessionRecord struct {
	ID         string        `json:"id"`
	Remote     string        `json:"remote"`
	Transport  string        `json:"transport"`
	ClientName string        `json:"client_name"`
	Proposed   time.Duration `json:"proposed_period_ns"`
	Period     time.Duration `json:"period_ns"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
	EndReason  string        `json:"end_reason,omitempty"`
	Admitted   uint64        `json:"commands_admitted"`
	Stale      uint64        `json:"commands_stale"`
	Malformed  uint64        `json:"frames_malformed"`
	Rejected   uint64        `json:"commands_rejected"`
	StatesSent uint64        `json:"states_sent"`
}

// WatchdogEvent is one recorded link-state transition.
type WatchdogEvent struct {
	SessionID string    `json:"session_id,omitempty"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Misses    int       `json:"misses"`
	At        time.Time `json:"at"`
}

// CycleWindow is one windowed aggregate of cycle timing.
type CycleWindow struct {
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	Cycles       uint64    `json:"cycles"`
	States       uint64    `json:"states_published"`
	Admitted     uint64    `json:"commands_admitted"`
	JitterMeanUs float64   `json:"jitter_mean_us"`
	JitterMaxUs  float64   `json:"jitter_max_us"`
}

// RecordSessionStart inserts a session row at handshake time.
func (db *DB) RecordSessionStart(info link.SessionInfo) error {
	_, err := db.Exec(`
		INSERT INTO sessions (
			id, remote, transport, client_name,
			proposed_period_us, period_us, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		info.ID, info.Remote, info.Transport, info.ClientName,
		info.Proposed.Microseconds(), info.Period.Microseconds(),
		info.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record session start %s: %w", info.ID, err)
	}
	return nil
}

// RecordSessionEnd closes the session row with its teardown summary.
func (db *DB) RecordSessionEnd(sum link.Summary) error {
	_, err := db.Exec(`
		UPDATE sessions SET
			ended_at = ?, end_reason = ?,
			commands_admitted = ?, commands_stale = ?,
			frames_malformed = ?, commands_rejected = ?, states_sent = ?
		WHERE id = ?`,
		sum.EndedAt.UTC(), sum.EndReason,
		sum.Admitted, sum.Stale, sum.Malformed, sum.Rejected, sum.StatesSent,
		sum.Info.ID,
	)
	if err != nil {
		return fmt.Errorf("record session end %s: %w", sum.Info.ID, err)
	}
	return nil
}

// RecordWatchdogEvent inserts one link-state transition.
func (db *DB) RecordWatchdogEvent(ev WatchdogEvent) error {
	var sessionID interface{}
	if ev.SessionID != "" {
		sessionID = ev.SessionID
	}
	_, err := db.Exec(`
		INSERT INTO watchdog_events (session_id, from_state, to_state, misses, at)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, ev.From, ev.To, ev.Misses, ev.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record watchdog event: %w", err)
	}
	return nil
}

// RecordCycleWindow inserts one cycle-timing aggregate.
func (db *DB) RecordCycleWindow(w CycleWindow) error {
	_, err := db.Exec(`
		INSERT INTO cycle_windows (
			started_at, ended_at, cycles, states_published,
			commands_admitted, jitter_mean_us, jitter_max_us
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.StartedAt.UTC(), w.EndedAt.UTC(), w.Cycles, w.States,
		w.Admitted, w.JitterMeanUs, w.JitterMaxUs,
	)
	if err != nil {
		return fmt.Errorf("record cycle window: %w", err)
	}
	return nil
}

// Sessions returns session history, newest first.
func (db *DB) Sessions(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, remote, transport, client_name,
		       proposed_period_us, period_us, started_at,
		       ended_at, COALESCE(end_reason, ''),
		       commands_admitted, commands_stale, frames_malformed,
		       commands_rejected, states_sent
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var (
			rec                    SessionRecord
			proposedUs, periodUs   int64
			endedAt                *time.Time
		)
		if err := rows.Scan(
			&rec.ID, &rec.Remote, &rec.Transport, &rec.ClientName,
			&proposedUs, &periodUs, &rec.StartedAt,
			&endedAt, &rec.EndReason,
			&rec.Admitted, &rec.Stale, &rec.Malformed,
			&rec.Rejected, &rec.StatesSent,
		); err != nil {
			return nil, err
		}
		rec.Proposed = time.Duration(proposedUs) * time.Microsecond
		rec.Period = time.Duration(periodUs) * time.Microsecond
		rec.EndedAt = endedAt
		records = append(records, rec)
	}
	return records, rows.Err()
}

// WatchdogEvents returns recorded transitions, newest first.
func (db *DB) WatchdogEvents(limit int) ([]WatchdogEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT COALESCE(session_id, ''), from_state, to_state, misses, at
		FROM watchdog_events ORDER BY at DESC, event_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []WatchdogEvent
	for rows.Next() {
		var ev WatchdogEvent
		if err := rows.Scan(&ev.SessionID, &ev.From, &ev.To, &ev.Misses, &ev.At); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CycleWindows returns aggregates covering the trailing window of
// time, oldest first so they plot left to right.
func (db *DB) CycleWindows(since time.Time, limit int) ([]CycleWindow, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := db.Query(`
		SELECT started_at, ended_at, cycles, states_published,
		       commands_admitted, jitter_mean_us, jitter_max_us
		FROM cycle_windows WHERE started_at >= ?
		ORDER BY started_at ASC LIMIT ?`, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var windows []CycleWindow
	for rows.Next() {
		var w CycleWindow
		if err := rows.Scan(
			&w.StartedAt, &w.EndedAt, &w.Cycles, &w.States,
			&w.Admitted, &w.JitterMeanUs, &w.JitterMaxUs,
		); err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	return windows, rows.Err()
}
