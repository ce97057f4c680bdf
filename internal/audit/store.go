// Package audit is the persistent journal of ruleset mutations: every
// begin, commit, abort, flush and anchor creation with its outcome.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/pfkit/internal/clock"
	"grimm.is/pfkit/internal/errors"
	"grimm.is/pfkit/internal/logging"
)

// Outcomes recorded in Event.Outcome.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeExists   = "exists"
)

// Event is a single journal entry.
type Event struct {
	ID        int64          `json:"id" yaml:"id"`
	Timestamp time.Time      `json:"timestamp" yaml:"timestamp"`
	TxID      string         `json:"tx_id,omitempty" yaml:"tx_id,omitempty"`
	Action    string         `json:"action" yaml:"action"`
	Anchor    string         `json:"anchor" yaml:"anchor"`
	Ruleset   string         `json:"ruleset" yaml:"ruleset"`
	Ticket    uint32         `json:"ticket,omitempty" yaml:"ticket,omitempty"`
	Rules     int            `json:"rules" yaml:"rules"`
	Outcome   string         `json:"outcome" yaml:"outcome"`
	Error     string         `json:"error,omitempty" yaml:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty" yaml:"details,omitempty"`
}

// Filter selects events for Query. Zero fields match everything.
type Filter struct {
	Since  time.Time
	Until  time.Time
	Action string
	Anchor string
	Limit  int
}

// Store persists journal events in sqlite.
type Store struct {
	mu            sync.RWMutex
	db            *sql.DB
	retentionDays int
	logger        *logging.Logger
	clock         clock.Clock
}

// NewStore opens (creating if needed) the journal at dbPath. When logger is
// non-nil every event is mirrored to it as an audit record.
func NewStore(dbPath string, retentionDays int, logger *logging.Logger) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
			return nil, errors.Wrap(err, errors.KindUnavailable, "create journal dir")
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "open journal")
	}
	// One connection keeps :memory: databases shared and writes serial.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS pf_journal (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			tx_id TEXT,
			action TEXT NOT NULL,
			anchor TEXT NOT NULL,
			ruleset TEXT NOT NULL,
			ticket INTEGER DEFAULT 0,
			rules INTEGER DEFAULT 0,
			outcome TEXT NOT NULL,
			error TEXT,
			details TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_journal_timestamp ON pf_journal(timestamp);
		CREATE INDEX IF NOT EXISTS idx_journal_anchor ON pf_journal(anchor);
		CREATE INDEX IF NOT EXISTS idx_journal_tx ON pf_journal(tx_id);
	`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindInternal, "create journal table")
	}

	if retentionDays <= 0 {
		retentionDays = 90
	}

	s := &Store{
		db:            db,
		retentionDays: retentionDays,
		clock:         clock.Real,
	}
	if logger != nil {
		s.logger = logger.WithComponent("audit")
	}
	return s, nil
}

// SetClock replaces the clock used for default timestamps and pruning.
func (s *Store) SetClock(c clock.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = c
}

// Write persists an event. A zero Timestamp is filled from the store clock.
func (s *Store) Write(evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.clock.Now()
	}

	var detailsJSON []byte
	if evt.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(evt.Details)
		if err != nil {
			detailsJSON = []byte("{}")
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO pf_journal (timestamp, tx_id, action, anchor, ruleset, ticket, rules, outcome, error, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, evt.Timestamp.UTC(), evt.TxID, evt.Action, evt.Anchor, evt.Ruleset, evt.Ticket, evt.Rules,
		evt.Outcome, evt.Error, string(detailsJSON))
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "insert journal event")
	}

	if s.logger != nil {
		s.logger.Audit(evt.Action, evt.Anchor+"/"+evt.Ruleset, map[string]any{
			"tx":      evt.TxID,
			"outcome": evt.Outcome,
			"rules":   evt.Rules,
		})
	}
	return nil
}

// Query returns matching events, newest first.
func (s *Store) Query(f Filter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, timestamp, tx_id, action, anchor, ruleset, ticket, rules, outcome, error, details
		FROM pf_journal WHERE 1=1`
	var args []any

	if !f.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, f.Until.UTC())
	}
	if f.Action != "" {
		query += " AND action = ?"
		args = append(args, f.Action)
	}
	if f.Anchor != "" {
		query += " AND anchor = ?"
		args = append(args, f.Anchor)
	}

	query += " ORDER BY timestamp DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "query journal")
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var evt Event
		var txID, errText, detailsJSON sql.NullString

		err := rows.Scan(&evt.ID, &evt.Timestamp, &txID, &evt.Action, &evt.Anchor, &evt.Ruleset,
			&evt.Ticket, &evt.Rules, &evt.Outcome, &errText, &detailsJSON)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "scan journal event")
		}

		evt.TxID = txID.String
		evt.Error = errText.String
		if detailsJSON.Valid && detailsJSON.String != "" {
			_ = json.Unmarshal([]byte(detailsJSON.String), &evt.Details)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// Prune removes events older than the retention period.
func (s *Store) Prune() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().AddDate(0, 0, -s.retentionDays).UTC()
	result, err := s.db.Exec("DELETE FROM pf_journal WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindInternal, "prune journal")
	}
	return result.RowsAffected()
}

// Count returns the total number of events in the store.
func (s *Store) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM pf_journal").Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
