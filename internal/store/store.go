package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tanq16/partdl/internal/session"
)

var ErrNotFound = errors.New("session not found")

// Record is the last persisted snapshot of a session.
type Record struct {
	session.Snapshot
	UpdatedAt time.Time
}

// Store persists session snapshots in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite takes one writer at a time
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			key TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			options TEXT NOT NULL,
			info TEXT NOT NULL,
			error_kind TEXT,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}
	return nil
}

// Put inserts or replaces the record for snap.Key.
func (s *Store) Put(snap session.Snapshot) error {
	options, err := json.Marshal(snap.Options)
	if err != nil {
		return fmt.Errorf("failed to encode options: %w", err)
	}
	info, err := json.Marshal(snap.Info)
	if err != nil {
		return fmt.Errorf("failed to encode info: %w", err)
	}
	query := `
		INSERT INTO sessions (key, status, options, info, error_kind, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			status = excluded.status,
			options = excluded.options,
			info = excluded.info,
			error_kind = excluded.error_kind,
			updated_at = excluded.updated_at
	`
	_, err = s.db.Exec(query, snap.Key, string(snap.Status), string(options), string(info),
		nullString(snap.ErrorKind), s.now().UnixNano())
	return err
}

// SetStatus updates only the status and error kind of an existing record.
func (s *Store) SetStatus(key string, status session.Status, errorKind string) error {
	result, err := s.db.Exec(`UPDATE sessions SET status = ?, error_kind = ?, updated_at = ? WHERE key = ?`,
		string(status), nullString(errorKind), s.now().UnixNano(), key)
	if err != nil {
		return err
	}
	return expectRow(result)
}

func (s *Store) Get(key string) (*Record, error) {
	row := s.db.QueryRow(`SELECT key, status, options, info, error_kind, updated_at FROM sessions WHERE key = ?`, key)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return record, err
}

// List returns every record, oldest update first.
func (s *Store) List() ([]Record, error) {
	rows, err := s.db.Query(`SELECT key, status, options, info, error_kind, updated_at FROM sessions ORDER BY updated_at, key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

func (s *Store) Delete(key string) error {
	result, err := s.db.Exec(`DELETE FROM sessions WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return expectRow(result)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		record    Record
		status    string
		options   string
		info      string
		errorKind sql.NullString
		updatedAt int64
	)
	if err := row.Scan(&record.Key, &status, &options, &info, &errorKind, &updatedAt); err != nil {
		return nil, err
	}
	record.Status = session.Status(status)
	if errorKind.Valid {
		record.ErrorKind = errorKind.String
	}
	if err := json.Unmarshal([]byte(options), &record.Options); err != nil {
		return nil, fmt.Errorf("failed to decode options of %s: %w", record.Key, err)
	}
	if err := json.Unmarshal([]byte(info), &record.Info); err != nil {
		return nil, fmt.Errorf("failed to decode info of %s: %w", record.Key, err)
	}
	record.UpdatedAt = time.Unix(0, updatedAt)
	return &record, nil
}

func expectRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
