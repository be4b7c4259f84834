// Package store provides durable sqlite-backed persistence for vehicle
// count records and the security audit log. The backing handle is treated as
// single-writer-safe only: every operation serializes through the store's
// mutex for exactly the statements it needs.
package store

import (
	"database/sql"
	"fmt"
	"math"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/traffic.report/internal/counts"
	"github.com/banshee-data/traffic.report/internal/monitoring"
)

// Store wraps the sqlite handle behind a single exclusion scope.
type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema version. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Insert appends one count record. A non-positive ts means "now"; the
// human-readable datetime string is derived from the final timestamp. The
// write either lands whole or not at all.
func (s *Store) Insert(c counts.Counts, ts float64) error {
	if ts <= 0 {
		ts = float64(s.now().UnixNano()) / 1e9
	}
	datetime := counts.FormatTimestamp(ts)

	s.mu.Lock()
	_, err := s.db.Exec(`
		INSERT INTO vehicle_counts (timestamp, datetime_str, cars, vans, motors, buses, bicycles)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ts, datetime, c.Cars, c.Vans, c.Motors, c.Buses, c.Bicycles,
	)
	s.mu.Unlock()
	if err != nil {
		monitoring.Logf("store: insert failed: %v", err)
		return fmt.Errorf("insert counts: %w", err)
	}
	return nil
}

func scanRecords(rows *sql.Rows) ([]counts.Record, error) {
	var records []counts.Record
	for rows.Next() {
		var r counts.Record
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.DatetimeStr,
			&r.Cars, &r.Vans, &r.Motors, &r.Buses, &r.Bicycles); err != nil {
			return nil, fmt.Errorf("scan count record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Latest returns the n most recent records, newest first.
func (s *Store) Latest(n int) ([]counts.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, timestamp, datetime_str, cars, vans, motors, buses, bicycles
		FROM vehicle_counts
		ORDER BY timestamp DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query latest counts: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Range returns records with t0 <= timestamp <= t1, ascending.
func (s *Store) Range(t0, t1 float64) ([]counts.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, timestamp, datetime_str, cars, vans, motors, buses, bicycles
		FROM vehicle_counts
		WHERE timestamp BETWEEN ? AND ?
		ORDER BY timestamp ASC`, t0, t1)
	if err != nil {
		return nil, fmt.Errorf("query counts range: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// TotalRecords returns the row count of the counts table.
func (s *Store) TotalRecords() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM vehicle_counts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Averages holds per-category mean values.
type Averages struct {
	Cars     float64 `json:"cars"`
	Vans     float64 `json:"vans"`
	Motors   float64 `json:"motors"`
	Buses    float64 `json:"buses"`
	Bicycles float64 `json:"bicycles"`
}

// Stats summarizes the whole counts table. Average, Maximum, and Minimum
// default to zero when no rows exist.
type Stats struct {
	TotalRecords int64         `json:"total_records"`
	Average      Averages      `json:"average"`
	Maximum      counts.Counts `json:"maximum"`
	Minimum      counts.Counts `json:"minimum"`
	Total        counts.Counts `json:"total"`
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Statistics computes aggregate statistics over the full counts table in a
// single pass.
func (s *Store) Statistics() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	err := s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(AVG(cars), 0), COALESCE(AVG(vans), 0), COALESCE(AVG(motors), 0),
			COALESCE(AVG(buses), 0), COALESCE(AVG(bicycles), 0),
			COALESCE(MAX(cars), 0), COALESCE(MAX(vans), 0), COALESCE(MAX(motors), 0),
			COALESCE(MAX(buses), 0), COALESCE(MAX(bicycles), 0),
			COALESCE(MIN(cars), 0), COALESCE(MIN(vans), 0), COALESCE(MIN(motors), 0),
			COALESCE(MIN(buses), 0), COALESCE(MIN(bicycles), 0),
			COALESCE(SUM(cars), 0), COALESCE(SUM(vans), 0), COALESCE(SUM(motors), 0),
			COALESCE(SUM(buses), 0), COALESCE(SUM(bicycles), 0)
		FROM vehicle_counts`,
	).Scan(
		&st.TotalRecords,
		&st.Average.Cars, &st.Average.Vans, &st.Average.Motors, &st.Average.Buses, &st.Average.Bicycles,
		&st.Maximum.Cars, &st.Maximum.Vans, &st.Maximum.Motors, &st.Maximum.Buses, &st.Maximum.Bicycles,
		&st.Minimum.Cars, &st.Minimum.Vans, &st.Minimum.Motors, &st.Minimum.Buses, &st.Minimum.Bicycles,
		&st.Total.Cars, &st.Total.Vans, &st.Total.Motors, &st.Total.Buses, &st.Total.Bicycles,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("query statistics: %w", err)
	}

	st.Average.Cars = round2(st.Average.Cars)
	st.Average.Vans = round2(st.Average.Vans)
	st.Average.Motors = round2(st.Average.Motors)
	st.Average.Buses = round2(st.Average.Buses)
	st.Average.Bicycles = round2(st.Average.Bicycles)
	return st, nil
}

// Retain deletes records older than now minus the given number of days and
// returns how many were removed.
func (s *Store) Retain(days int) (int64, error) {
	cutoff := float64(s.now().UnixNano())/1e9 - float64(days)*86400

	s.mu.Lock()
	res, err := s.db.Exec(`DELETE FROM vehicle_counts WHERE timestamp < ?`, cutoff)
	s.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("delete old records: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		monitoring.Logf("store: retention sweep removed %d records older than %d days", deleted, days)
	}
	return deleted, nil
}

// AuditEvent is one security-relevant event in the durable audit log.
type AuditEvent struct {
	ID        int64   `json:"id"`
	Timestamp float64 `json:"timestamp"`
	EventType string  `json:"event_type"`
	Message   string  `json:"message"`
	Level     string  `json:"level"`
}

// LogEvent appends an event to the audit log. It satisfies
// access.AuditSink.
func (s *Store) LogEvent(eventType, message, level string) error {
	ts := float64(s.now().UnixNano()) / 1e9

	s.mu.Lock()
	_, err := s.db.Exec(`
		INSERT INTO audit_log (timestamp, event_type, message, level)
		VALUES (?, ?, ?, ?)`,
		ts, eventType, message, level,
	)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// AuditEvents returns the n most recent audit events, newest first.
func (s *Store) AuditEvents(n int) ([]AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, timestamp, event_type, message, level
		FROM audit_log
		ORDER BY timestamp DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.EventType, &e.Message, &e.Level); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
