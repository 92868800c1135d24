package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"motorlink/internal/motor"
)

var ErrNotFound = errors.New("not found")

// Session is one Connected period of a motor controller
type Session struct {
	ID        string     `json:"id"`
	Address   string     `json:"address"`
	DeviceID  string     `json:"device_id"`
	Name      string     `json:"name"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Samples   int        `json:"samples"`
}

// Sample is one persisted telemetry notification
type Sample struct {
	SessionID  string    `json:"session_id"`
	RecordedAt time.Time `json:"recorded_at"`
	motor.Telemetry
}

// Event is one persisted link event
type Event struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
	Source     string    `json:"source"`
	Message    string    `json:"message"`
}

// Store persists sessions and telemetry in SQLite
type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// StartSession records a new session and returns its id
func (s *Store) StartSession(ctx context.Context, address, deviceID, name string, at time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(session_id, address, device_id, name, started_at)
VALUES (?, ?, ?, ?, ?)
`, id, address, deviceID, name, ts(at))
	if err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	return id, nil
}

// EndSession stamps the end time. Ending an ended session is a no-op.
func (s *Store) EndSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE session_id = ? AND ended_at IS NULL`, ts(at), id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE session_id = ?`, id).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("end session: %w", err)
		}
	}
	return nil
}

// RecordSamples inserts a batch in one transaction
func (s *Store) RecordSamples(ctx context.Context, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin samples tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO samples(session_id, recorded_at, status, rpm, angle) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("prepare samples: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for _, smp := range samples {
		if _, err := stmt.ExecContext(ctx, smp.SessionID, ts(smp.RecordedAt), smp.Status, smp.RPM, smp.Angle); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("insert sample: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit samples: %w", err)
	}
	return nil
}

// RecordEvent persists a link event. sessionID may be empty.
func (s *Store) RecordEvent(ctx context.Context, sessionID, source, message string, at time.Time) error {
	var session any
	if sessionID != "" {
		session = sessionID
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO events(event_id, session_id, recorded_at, source, message)
VALUES (?, ?, ?, ?, ?)
`, uuid.NewString(), session, ts(at), source, message)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// Sessions lists the most recent sessions first
func (s *Store) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT s.session_id, s.address, s.device_id, s.name, s.started_at, s.ended_at,
	(SELECT COUNT(*) FROM samples WHERE samples.session_id = s.session_id)
FROM sessions s
ORDER BY s.started_at DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Session
	for rows.Next() {
		var sess Session
		var started string
		var ended sql.NullString
		if err := rows.Scan(&sess.ID, &sess.Address, &sess.DeviceID, &sess.Name, &started, &ended, &sess.Samples); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if sess.StartedAt, err = parseTS(started); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if ended.Valid {
			t, err := parseTS(ended.String)
			if err != nil {
				return nil, fmt.Errorf("parse ended_at: %w", err)
			}
			sess.EndedAt = &t
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Samples returns up to limit of the newest samples of a session, oldest first
func (s *Store) Samples(ctx context.Context, sessionID string, limit int) ([]Sample, error) {
	if limit <= 0 {
		limit = 600
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT recorded_at, status, rpm, angle FROM (
	SELECT rowid, recorded_at, status, rpm, angle FROM samples
	WHERE session_id = ?
	ORDER BY recorded_at DESC, rowid DESC
	LIMIT ?
) ORDER BY recorded_at ASC, rowid ASC
`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Sample
	for rows.Next() {
		smp := Sample{SessionID: sessionID}
		var recorded string
		if err := rows.Scan(&recorded, &smp.Status, &smp.RPM, &smp.Angle); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		if smp.RecordedAt, err = parseTS(recorded); err != nil {
			return nil, fmt.Errorf("parse recorded_at: %w", err)
		}
		out = append(out, smp)
	}
	return out, rows.Err()
}

// Events returns up to limit of the newest events, newest first
func (s *Store) Events(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, COALESCE(session_id, ''), recorded_at, source, message
FROM events ORDER BY recorded_at DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Event
	for rows.Next() {
		var ev Event
		var recorded string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &recorded, &ev.Source, &ev.Message); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if ev.RecordedAt, err = parseTS(recorded); err != nil {
			return nil, fmt.Errorf("parse recorded_at: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Prune deletes sessions that ended before cutoff together with their samples,
// and events older than cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?`, ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE recorded_at < ?`, ts(cutoff)); err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Fixed-width so stored timestamps order lexically
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}
