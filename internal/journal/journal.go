// Package journal persists committed call outcomes to a local SQLite file.
// The backend holds the authoritative incident state; the journal is the
// operator-side audit trail for the `status` command.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vitalsignal/carecall/internal/incident"
)

type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Entry is one committed outcome as read back from the journal.
type Entry struct {
	ID         int64
	IncidentID string
	UserID     string
	Outcome    string // "escalated" or "closed"
	Summary    string
	Channel    string
	CreatedAt  time.Time
}

func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_outcomes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			incident_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_incident ON call_outcomes(incident_id)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_created ON call_outcomes(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init journal schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordOutcome implements agent.OutcomeRecorder.
func (s *Store) RecordOutcome(ctx context.Context, rec incident.Record, outcome, summary, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_outcomes (incident_id, user_id, outcome, summary, channel) VALUES (?, ?, ?, ?, ?)`,
		rec.IncidentID, rec.UserID, outcome, summary, channel,
	)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// Recent returns the newest entries, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, incident_id, user_id, outcome, summary, channel, created_at
		 FROM call_outcomes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.ID, &e.IncidentID, &e.UserID, &e.Outcome, &e.Summary, &e.Channel, &created); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		if ts, err := time.Parse("2006-01-02 15:04:05", created); err == nil {
			e.CreatedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ByIncident returns every outcome row recorded for one incident.
func (s *Store) ByIncident(ctx context.Context, incidentID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, incident_id, user_id, outcome, summary, channel, created_at
		 FROM call_outcomes WHERE incident_id = ? ORDER BY id`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.ID, &e.IncidentID, &e.UserID, &e.Outcome, &e.Summary, &e.Channel, &created); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		if ts, err := time.Parse("2006-01-02 15:04:05", created); err == nil {
			e.CreatedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
