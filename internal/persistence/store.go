// Package persistence provides the SQLite-backed store for orchestration
// state: orchestrations, their transcripts, and their subtasks. Failed and
// cancelled orchestrations remain queryable with everything recorded up to
// the failure point.
package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/QuivrHQ/247-sub000/internal/orchestration"
)

// Store implements orchestration.Store on SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path and applies
// pending migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite tuning for write-heavy workloads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the orchestrations and messages tables.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS orchestrations (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			total_cost_usd REAL NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_orchestrations_project ON orchestrations(project_id);
		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			orchestration_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_orchestration ON messages(orchestration_id);
	`)
	return err
}

// migrateV2 creates the subtasks table.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS subtasks (
			id TEXT NOT NULL,
			orchestration_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			agent_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			cost_usd REAL NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			completed_at TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (orchestration_id, id)
		)
	`)
	return err
}

// InsertOrchestration persists a new orchestration record.
func (s *Store) InsertOrchestration(o orchestration.Orchestration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO orchestrations
			(id, project_id, name, status, session_id, total_cost_usd, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.ProjectID, o.Name, string(o.Status), o.SessionID, o.TotalCostUSD, o.Error,
		formatTime(o.CreatedAt), formatTime(o.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert orchestration: %w", err)
	}
	return nil
}

// UpdateOrchestration overwrites the mutable fields of an orchestration.
func (s *Store) UpdateOrchestration(o orchestration.Orchestration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		`UPDATE orchestrations
		SET status = ?, session_id = ?, total_cost_usd = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		string(o.Status), o.SessionID, o.TotalCostUSD, o.Error, formatTime(time.Now()), o.ID,
	)
	if err != nil {
		return fmt.Errorf("update orchestration: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update orchestration rows affected: %w", err)
	}
	if affected == 0 {
		return orchestration.ErrNotFound
	}
	return nil
}

// GetOrchestration retrieves one orchestration by id. Returns
// orchestration.ErrNotFound when the id is unknown.
func (s *Store) GetOrchestration(id string) (*orchestration.Orchestration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var o orchestration.Orchestration
	var status, createdAt, updatedAt string
	err := s.db.QueryRow(
		`SELECT id, project_id, name, status, session_id, total_cost_usd, error, created_at, updated_at
		FROM orchestrations WHERE id = ?`,
		id,
	).Scan(&o.ID, &o.ProjectID, &o.Name, &status, &o.SessionID, &o.TotalCostUSD, &o.Error,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, orchestration.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get orchestration: %w", err)
	}
	o.Status = orchestration.Status(status)
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	return &o, nil
}

// ListOrchestrations returns orchestrations newest first, optionally
// filtered by project id.
func (s *Store) ListOrchestrations(projectID string) ([]orchestration.Orchestration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, project_id, name, status, session_id, total_cost_usd, error, created_at, updated_at
		FROM orchestrations`
	args := []interface{}{}
	if projectID != "" {
		query += " WHERE project_id = ?"
		args = append(args, projectID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orchestrations: %w", err)
	}
	defer rows.Close()

	result := []orchestration.Orchestration{}
	for rows.Next() {
		var o orchestration.Orchestration
		var status, createdAt, updatedAt string
		if err := rows.Scan(&o.ID, &o.ProjectID, &o.Name, &status, &o.SessionID,
			&o.TotalCostUSD, &o.Error, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan orchestration: %w", err)
		}
		o.Status = orchestration.Status(status)
		o.CreatedAt = parseTime(createdAt)
		o.UpdatedAt = parseTime(updatedAt)
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orchestrations: %w", err)
	}
	return result, nil
}

// AppendMessage appends one transcript entry.
func (s *Store) AppendMessage(m orchestration.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT INTO messages (orchestration_id, role, content, created_at) VALUES (?, ?, ?, ?)",
		m.OrchestrationID, m.Role, m.Content, formatTime(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListMessages returns the transcript in insertion order.
func (s *Store) ListMessages(orchestrationID string) ([]orchestration.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT orchestration_id, role, content, created_at FROM messages WHERE orchestration_id = ? ORDER BY seq ASC",
		orchestrationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	result := []orchestration.Message{}
	for rows.Next() {
		var m orchestration.Message
		var createdAt string
		if err := rows.Scan(&m.OrchestrationID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = parseTime(createdAt)
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return result, nil
}

// UpsertSubtask inserts or replaces a subtask record.
func (s *Store) UpsertSubtask(sub orchestration.Subtask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	completedAt := ""
	if sub.CompletedAt != nil {
		completedAt = formatTime(*sub.CompletedAt)
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO subtasks
			(id, orchestration_id, name, agent_type, status, cost_usd, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.OrchestrationID, sub.Name, sub.AgentType, string(sub.Status),
		sub.CostUSD, formatTime(sub.StartedAt), completedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert subtask: %w", err)
	}
	return nil
}

// ListSubtasks returns an orchestration's subtasks ordered by start time.
func (s *Store) ListSubtasks(orchestrationID string) ([]orchestration.Subtask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, orchestration_id, name, agent_type, status, cost_usd, started_at, completed_at
		FROM subtasks WHERE orchestration_id = ? ORDER BY started_at ASC, id ASC`,
		orchestrationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	defer rows.Close()

	result := []orchestration.Subtask{}
	for rows.Next() {
		var sub orchestration.Subtask
		var status, startedAt, completedAt string
		if err := rows.Scan(&sub.ID, &sub.OrchestrationID, &sub.Name, &sub.AgentType,
			&status, &sub.CostUSD, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		sub.Status = orchestration.SubtaskStatus(status)
		sub.StartedAt = parseTime(startedAt)
		if completedAt != "" {
			t := parseTime(completedAt)
			sub.CompletedAt = &t
		}
		result = append(result, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subtasks: %w", err)
	}
	return result, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
