// Package registry persists the session directory itself — one durable row
// per SessionInstance, independent of QueueStore's per-session message
// queues — so the orchestrator can restore its in-memory registry after a
// restart. It is grounded on the teacher's internal/store.Store: WAL mode,
// foreign_keys on, and an embedded, version-tracked migrations directory.
package registry

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

// Row is one session's durable record, per spec.md §6's session registry
// contract.
type Row struct {
	ID               string
	WorkingDirectory string
	Status           string
	CurrentTask      string
	QueueLength      int
	CreatedAt        time.Time
	LastActivity     time.Time
	TerminatedAt      *time.Time
}

// Patch is a partial update applied to an existing row; zero-value fields
// (besides the explicit pointer fields) are still written, so callers always
// pass the full known-current value for non-pointer fields.
type Patch struct {
	Status       string
	CurrentTask  string
	QueueLength  int
	LastActivity time.Time
	TerminatedAt *time.Time
}

// Stats is the aggregate view behind GET /sessions' summary block.
type Stats struct {
	TotalSessions      int
	ActiveSessions     int
	TerminatedSessions int
}

// Store wraps the registry database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at dsn and runs any
// pending migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

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
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
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

// Create inserts a new session row. WorkingDirectory is unique: creating a
// second row for a directory that already has a live row is a caller bug
// (the orchestrator's reuse-by-directory check should have intercepted it).
func (s *Store) Create(row Row) error {
	_, err := s.db.Exec(`INSERT INTO sessions
		(id, working_directory, status, current_task, queue_length, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.WorkingDirectory, row.Status, row.CurrentTask, row.QueueLength, row.CreatedAt, row.LastActivity)
	if err != nil {
		return fmt.Errorf("registry: create: %w", err)
	}
	return nil
}

// Update applies patch to the row identified by sessionID.
func (s *Store) Update(sessionID string, patch Patch) error {
	res, err := s.db.Exec(`UPDATE sessions SET
		status = ?, current_task = ?, queue_length = ?, last_activity = ?, terminated_at = ?
		WHERE id = ?`,
		patch.Status, patch.CurrentTask, patch.QueueLength, patch.LastActivity, patch.TerminatedAt, sessionID)
	if err != nil {
		return fmt.Errorf("registry: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: update rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("registry: update: no row for session %s", sessionID)
	}
	return nil
}

// GetActiveSessions returns every row whose terminated_at is unset, in
// creation order. It is the primitive behind boot-time restoration.
func (s *Store) GetActiveSessions() ([]Row, error) {
	rows, err := s.db.Query(`SELECT id, working_directory, status, current_task, queue_length,
		created_at, last_activity, terminated_at
		FROM sessions WHERE terminated_at IS NULL ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("registry: query active: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.WorkingDirectory, &r.Status, &r.CurrentTask, &r.QueueLength,
			&r.CreatedAt, &r.LastActivity, &r.TerminatedAt); err != nil {
			return nil, fmt.Errorf("registry: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetSessionStats returns the aggregate counts behind the REST boundary's
// fleet-level summary.
func (s *Store) GetSessionStats() (Stats, error) {
	var stats Stats
	row := s.db.QueryRow(`SELECT
		COUNT(*),
		COUNT(*) FILTER (WHERE terminated_at IS NULL),
		COUNT(*) FILTER (WHERE terminated_at IS NOT NULL)
		FROM sessions`)
	if err := row.Scan(&stats.TotalSessions, &stats.ActiveSessions, &stats.TerminatedSessions); err != nil {
		return Stats{}, fmt.Errorf("registry: stats: %w", err)
	}
	return stats, nil
}
