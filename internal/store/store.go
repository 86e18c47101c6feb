// Package store supplements the in-memory-only DetectionState with a
// durable alert/detection-event log, backed by SQLite so an operator
// can query detection history after the process exits. Grounded on
// ClusterCockpit-cc-backend's init-db.go for the sqlx raw-SQL
// table-creation idiom.
package store

import (
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/flowsentry/flowsentry/internal/detector"
)

const schema = `
CREATE TABLE IF NOT EXISTS alert (
	id           TEXT PRIMARY KEY,
	raised_at    TIMESTAMP NOT NULL,
	level        INTEGER NOT NULL,
	kind         TEXT NOT NULL,
	evidence     TEXT NOT NULL,
	latency_ms   REAL NOT NULL,
	window_start TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alert_raised_at ON alert (raised_at);
`

// Store wraps a sqlx.DB opened against a SQLite file.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the SQLite database at path and
// ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open alert store at %s", path)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create alert store schema")
	}
	return &Store{db: db}, nil
}

// RecordAlert persists one Alert, including the latency and window
// the detector measured for it.
func (s *Store) RecordAlert(a detector.Alert) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO alert (id, raised_at, level, kind, evidence, latency_ms, window_start) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RaisedAt, int(a.Level), a.Kind, a.Evidence, a.LatencyMs, a.WindowStart,
	)
	return errors.Wrap(err, "failed to record alert")
}

// AlertRow is one persisted alert row, as returned by RecentAlerts.
type AlertRow struct {
	ID          string    `db:"id" json:"id"`
	RaisedAt    time.Time `db:"raised_at" json:"raised_at"`
	Level       int       `db:"level" json:"level"`
	Kind        string    `db:"kind" json:"kind"`
	Evidence    string    `db:"evidence" json:"evidence"`
	LatencyMs   float64   `db:"latency_ms" json:"latency_ms"`
	WindowStart time.Time `db:"window_start" json:"window_start"`
}

// RecentAlerts returns the most recent limit alerts, newest first.
func (s *Store) RecentAlerts(limit int) ([]AlertRow, error) {
	var rows []AlertRow
	err := s.db.Select(&rows, `SELECT id, raised_at, level, kind, evidence, latency_ms, window_start FROM alert ORDER BY raised_at DESC LIMIT ?`, limit)
	return rows, errors.Wrap(err, "failed to query recent alerts")
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
