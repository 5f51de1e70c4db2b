/*
Package perf implements the communication timing registry of a rank.

This file contains the SQLite sink that persists every event.
*/
package perf

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS comm_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	rank       INTEGER NOT NULL,
	dat        TEXT    NOT NULL,
	channel    TEXT    NOT NULL,
	kind       TEXT    NOT NULL,
	bytes      INTEGER NOT NULL,
	elapsed_ns INTEGER NOT NULL,
	at_ns      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_comm_events_dat ON comm_events(dat, kind);`

// SQLiteSink writes events into the comm_events table of a database file.
type SQLiteSink struct {
	db     *sql.DB
	insert *sql.Stmt
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	insert, err := db.Prepare(`INSERT INTO comm_events (rank, dat, channel, kind, bytes, elapsed_ns, at_ns) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteSink{db: db, insert: insert}, nil
}

// Write inserts one event
func (s *SQLiteSink) Write(e Event) error {
	_, err := s.insert.Exec(e.Rank, e.Dat, e.Channel, e.Kind, e.Bytes, int64(e.Elapsed), e.At.UnixNano())
	return err
}

// Events reads back every stored event in insertion order.
func (s *SQLiteSink) Events() ([]Event, error) {
	rows, err := s.db.Query(`SELECT rank, dat, channel, kind, bytes, elapsed_ns, at_ns FROM comm_events ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var elapsed, at int64
		if err := rows.Scan(&e.Rank, &e.Dat, &e.Channel, &e.Kind, &e.Bytes, &elapsed, &at); err != nil {
			return nil, err
		}
		e.Elapsed = time.Duration(elapsed)
		e.At = time.Unix(0, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the statement and the database
func (s *SQLiteSink) Close() error {
	s.insert.Close()
	return s.db.Close()
}
