// Package store provides SQLite-backed persistence for the engine's events,
// alert outcomes and last known task set.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/xiaolou86/sjaiengine/internal/models"
)

// DefaultListLimit caps list queries that do not set a limit.
const DefaultListLimit = 100

// Store provides access to the engine's SQLite database.
type Store struct {
	db *sql.DB
}

// New opens the database at dbPath and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Events ---

// EventFilter narrows ListEvents. Zero fields match everything.
type EventFilter struct {
	TaskID string
	Kind   string
	Since  time.Time
	Limit  int
}

// RecordEvent inserts an event, assigning an ID and timestamp when unset.
func (s *Store) RecordEvent(ctx context.Context, ev *models.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.Timestamp = ev.Timestamp.UTC()

	var attrs sql.NullString
	if len(ev.Attrs) > 0 {
		b, err := json.Marshal(ev.Attrs)
		if err != nil {
			return fmt.Errorf("marshal event attrs: %w", err)
		}
		attrs = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, kind, task_id, message, attrs, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Kind, nullString(ev.TaskID), ev.Message, attrs, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns events newest first.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]models.Event, error) {
	query := `SELECT id, kind, task_id, message, attrs, timestamp FROM events WHERE 1=1`
	var args []interface{}

	if f.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, f.TaskID)
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	if !f.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.Since.UTC())
	}
	query += ` ORDER BY timestamp DESC, rowid DESC LIMIT ?`
	args = append(args, limitOrDefault(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var ev models.Event
		var taskID, attrs sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Kind, &taskID, &ev.Message, &attrs, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.TaskID = taskID.String
		if attrs.Valid {
			if err := json.Unmarshal([]byte(attrs.String), &ev.Attrs); err != nil {
				return nil, fmt.Errorf("decode event attrs: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PruneEvents deletes events older than before and returns how many were removed.
func (s *Store) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

// --- Alerts ---

// SaveAlert stores an alert with its delivery outcome, replacing any
// previous record with the same ID.
func (s *Store) SaveAlert(ctx context.Context, rec *models.AlertRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()

	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO alerts (id, task_id, kind, payload, status, attempts, last_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Payload.TaskID, string(rec.Payload.Kind), string(payload), string(rec.Status),
		rec.Attempts, nullString(rec.LastError), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// ListAlerts returns alert records newest first, optionally for one task.
func (s *Store) ListAlerts(ctx context.Context, taskID string, limit int) ([]models.AlertRecord, error) {
	query := `SELECT id, payload, status, attempts, last_error, created_at FROM alerts`
	var args []interface{}
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limitOrDefault(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var records []models.AlertRecord
	for rows.Next() {
		var rec models.AlertRecord
		var payload string
		var lastError sql.NullString
		if err := rows.Scan(&rec.ID, &payload, &rec.Status, &rec.Attempts, &lastError, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			return nil, fmt.Errorf("decode alert payload: %w", err)
		}
		rec.LastError = lastError.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- Task snapshot ---

// SaveTaskSnapshot replaces the persisted task set in one transaction.
func (s *Store) SaveTaskSnapshot(ctx context.Context, tasks []models.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_snapshot`); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}

	now := time.Now().UTC()
	for i, t := range tasks {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO task_snapshot (task_id, position, camera_id, camera_ip, camera_name, stream_url, algorithm, model, saved_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, i, t.CameraID, t.CameraIP, t.CameraName, t.StreamURL, t.Algorithm, t.Model, now,
		)
		if err != nil {
			return fmt.Errorf("insert snapshot task %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// LoadTaskSnapshot returns the persisted task set in its saved order.
func (s *Store) LoadTaskSnapshot(ctx context.Context) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, camera_id, camera_ip, camera_name, stream_url, algorithm, model
		 FROM task_snapshot ORDER BY position`,
	)
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		var t models.Task
		if err := rows.Scan(&t.ID, &t.CameraID, &t.CameraIP, &t.CameraName, &t.StreamURL, &t.Algorithm, &t.Model); err != nil {
			return nil, fmt.Errorf("scan snapshot task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
