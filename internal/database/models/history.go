package models

import (
	"database/sql"
	"encoding/csv"
	"io"
	"time"

	"github.com/google/uuid"
)

// HistoryEvent names the transfer lifecycle events worth keeping.
type HistoryEvent string

const (
	EventAdded    HistoryEvent = "added"
	EventFinished HistoryEvent = "finished"
	EventMoved    HistoryEvent = "moved"
	EventRemoved  HistoryEvent = "removed"
	EventError    HistoryEvent = "error"
)

// DefaultHistoryLimit bounds the log to the most recent entries.
const DefaultHistoryLimit = 3000

type HistoryEntry struct {
	ID          string       `json:"id" db:"id"`
	Fingerprint string       `json:"fingerprint" db:"fingerprint"`
	Name        string       `json:"name" db:"name"`
	Event       HistoryEvent `json:"event" db:"event"`
	Detail      string       `json:"detail,omitempty" db:"detail"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
}

type HistoryRepository struct {
	db    *sql.DB
	limit int
}

func NewHistoryRepository(db *sql.DB, limit int) *HistoryRepository {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &HistoryRepository{db: db, limit: limit}
}

// Record inserts an entry and prunes anything beyond the retention limit.
func (r *HistoryRepository) Record(fingerprint, name string, event HistoryEvent, detail string) error {
	id := uuid.NewString()
	_, err := r.db.Exec(
		"INSERT INTO history (id, fingerprint, name, event, detail) VALUES (?, ?, ?, ?, ?)",
		id, fingerprint, name, event, detail)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(`
        DELETE FROM history WHERE id NOT IN (
            SELECT id FROM history ORDER BY rowid DESC LIMIT ?
        )
    `, r.limit)
	return err
}

// Recent returns the newest entries, optionally filtered by a substring
// match on name, event or detail.
func (r *HistoryRepository) Recent(query string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > r.limit {
		limit = r.limit
	}

	var rows *sql.Rows
	var err error
	if query == "" {
		rows, err = r.db.Query(`
            SELECT id, fingerprint, name, event, detail, created_at
            FROM history ORDER BY rowid DESC LIMIT ?
        `, limit)
	} else {
		pattern := "%" + query + "%"
		rows, err = r.db.Query(`
            SELECT id, fingerprint, name, event, detail, created_at
            FROM history
            WHERE name LIKE ? OR event LIKE ? OR detail LIKE ?
            ORDER BY rowid DESC LIMIT ?
        `, pattern, pattern, pattern, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.Fingerprint, &e.Name, &e.Event, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ExportCSV streams the full retained history as CSV, newest first.
func (r *HistoryRepository) ExportCSV(w io.Writer) error {
	entries, err := r.Recent("", r.limit)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"time", "event", "name", "fingerprint", "detail"}); err != nil {
		return err
	}
	for _, e := range entries {
		record := []string{
			e.CreatedAt.Format(time.RFC3339),
			string(e.Event),
			e.Name,
			e.Fingerprint,
			e.Detail,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
