package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 1

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS status_history (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id   TEXT    NOT NULL,
		entry_type  TEXT    NOT NULL,
		occurred_at INTEGER NOT NULL,
		payload     BLOB    NOT NULL,
		metadata    TEXT
	);
	CREATE INDEX IF NOT EXISTS status_history_entity ON status_history(entity_id, seq);
	CREATE INDEX IF NOT EXISTS status_history_occurred ON status_history(occurred_at);`,
}

const selectColumns = `SELECT seq, entity_id, entry_type, occurred_at, payload, metadata FROM status_history`

// SQLiteStore is a Store on a single SQLite file. ":memory:" gives a
// throwaway database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens path and brings its schema up to date.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrap(ErrOpen, err)
	}
	// A single connection keeps ":memory:" shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, wrap(ErrSchema, err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	var current int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&current); err != nil {
		return err
	}
	if current > schemaVersion {
		return fmt.Errorf("history schema version %d is newer than supported %d", current, schemaVersion)
	}
	for v := current; v < schemaVersion; v++ {
		if _, err := db.Exec(migrations[v]); err != nil {
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
	}
	_, err := db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion))
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, e Entry) (int64, error) {
	var meta []byte
	if len(e.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(e.Metadata); err != nil {
			return 0, wrap(ErrAppend, err)
		}
	}
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO status_history (entity_id, entry_type, occurred_at, payload, metadata) VALUES (?, ?, ?, ?, ?)`,
		e.EntityID, e.Type, at.UnixNano(), e.Payload, meta)
	if err != nil {
		return 0, wrap(ErrAppend, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, wrap(ErrAppend, err)
	}
	return seq, nil
}

func (s *SQLiteStore) History(ctx context.Context, entityID string) ([]Entry, error) {
	return s.query(ctx, selectColumns+` WHERE entity_id = ? ORDER BY seq`, entityID)
}

func (s *SQLiteStore) Since(ctx context.Context, after int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.query(ctx, selectColumns+` WHERE seq > ? ORDER BY seq LIMIT ?`, after, limit)
}

func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM status_history WHERE occurred_at < ?`, before.UnixNano())
	if err != nil {
		return 0, wrap(ErrQuery, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap(ErrQuery, err)
	}
	return n, nil
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap(ErrQuery, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			at   int64
			meta sql.NullString
		)
		if err := rows.Scan(&e.Seq, &e.EntityID, &e.Type, &at, &e.Payload, &meta); err != nil {
			return nil, wrap(ErrQuery, err)
		}
		e.At = time.Unix(0, at)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, wrap(ErrDecode, err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(ErrQuery, err)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
