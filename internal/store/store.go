// Package store persists the session registry in SQLite, so `perch ls`
// shows history across daemon restarts and an exit code survives the
// session that produced it.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	db *sql.DB
}

// SessionRecord is one row of the session registry.
type SessionRecord struct {
	Key       string
	Command   string
	Pid       int
	StartedAt time.Time
	ExitedAt  *time.Time
	ExitCode  *int
}

// Open opens (creating if needed) the registry at dsn and applies pending
// migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordStart inserts (or replaces, for a reused key) a session row.
// Satisfies the hub's store contract.
func (s *Store) RecordStart(key, command string, pid int, at time.Time) error {
	_, err := s.db.Exec(`INSERT INTO sessions (key, command, pid, started_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			command = excluded.command,
			pid = excluded.pid,
			started_at = excluded.started_at,
			exited_at = NULL,
			exit_code = NULL`,
		key, command, pid, at.UTC())
	if err != nil {
		return fmt.Errorf("record start %s: %w", key, err)
	}
	return nil
}

// RecordExit finalizes a session row. A nil code records the exit time with
// no status (the process vanished without one).
func (s *Store) RecordExit(key string, code *int, at time.Time) error {
	var codeVal any
	if code != nil {
		codeVal = *code
	}
	res, err := s.db.Exec(`UPDATE sessions SET exited_at = ?, exit_code = ? WHERE key = ?`,
		at.UTC(), codeVal, key)
	if err != nil {
		return fmt.Errorf("record exit %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record exit %s: no such session", key)
	}
	return nil
}

// Get returns one session row.
func (s *Store) Get(key string) (*SessionRecord, error) {
	row := s.db.QueryRow(`SELECT key, command, pid, started_at, exited_at, exit_code
		FROM sessions WHERE key = ?`, key)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// List returns sessions newest-first, at most limit rows (0 means all).
func (s *Store) List(limit int) ([]SessionRecord, error) {
	q := `SELECT key, command, pid, started_at, exited_at, exit_code
		FROM sessions ORDER BY started_at DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(q+" LIMIT ?", limit)
	} else {
		rows, err = s.db.Query(q)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Prune deletes exited sessions older than cutoff. Returns rows removed.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE exited_at IS NOT NULL AND exited_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*SessionRecord, error) {
	var rec SessionRecord
	var exitedAt sql.NullTime
	var exitCode sql.NullInt64
	if err := row.Scan(&rec.Key, &rec.Command, &rec.Pid, &rec.StartedAt, &exitedAt, &exitCode); err != nil {
		return nil, err
	}
	if exitedAt.Valid {
		t := exitedAt.Time
		rec.ExitedAt = &t
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		rec.ExitCode = &c
	}
	return &rec, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}
