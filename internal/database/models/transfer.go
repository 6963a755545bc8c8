package models

import (
	"database/sql"
	"time"
)

// DesiredState records whether a transfer should be running after a
// restart, independent of what the engine reports right now.
type DesiredState string

const (
	DesiredStarted DesiredState = "started"
	DesiredPaused  DesiredState = "paused"
)

// TransferRecord is the persisted row used to rehydrate the session at
// startup.
type TransferRecord struct {
	Fingerprint    string       `json:"fingerprint" db:"fingerprint"`
	Name           string       `json:"name" db:"name"`
	Magnet         string       `json:"magnet,omitempty" db:"magnet"`
	MetainfoPath   string       `json:"metainfo_path,omitempty" db:"metainfo_path"`
	SavePath       string       `json:"save_path" db:"save_path"`
	DesiredState   DesiredState `json:"desired_state" db:"desired_state"`
	Sequential     bool         `json:"sequential" db:"sequential"`
	MaxConnections int          `json:"max_connections" db:"max_connections"`
	Moved          bool         `json:"moved" db:"moved"`
	AddedAt        time.Time    `json:"added_at" db:"added_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
}

type TransferRepository struct {
	db *sql.DB
}

func NewTransferRepository(db *sql.DB) *TransferRepository {
	return &TransferRepository{db: db}
}

func (r *TransferRepository) Upsert(rec *TransferRecord) error {
	query := `
        INSERT INTO transfers (fingerprint, name, magnet, metainfo_path, save_path,
                               desired_state, sequential, max_connections, moved, added_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), CURRENT_TIMESTAMP)
        ON CONFLICT(fingerprint) DO UPDATE SET
            name = excluded.name,
            magnet = excluded.magnet,
            metainfo_path = excluded.metainfo_path,
            save_path = excluded.save_path,
            desired_state = excluded.desired_state,
            sequential = excluded.sequential,
            max_connections = excluded.max_connections,
            moved = excluded.moved,
            updated_at = CURRENT_TIMESTAMP
    `
	var addedAt interface{}
	if !rec.AddedAt.IsZero() {
		addedAt = rec.AddedAt
	}
	_, err := r.db.Exec(query, rec.Fingerprint, rec.Name, rec.Magnet, rec.MetainfoPath,
		rec.SavePath, rec.DesiredState, rec.Sequential, rec.MaxConnections, rec.Moved, addedAt)
	return err
}

func (r *TransferRepository) GetAll() ([]TransferRecord, error) {
	query := `
        SELECT fingerprint, name, magnet, metainfo_path, save_path,
               desired_state, sequential, max_connections, moved, added_at, updated_at
        FROM transfers ORDER BY added_at ASC
    `
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []TransferRecord
	for rows.Next() {
		var rec TransferRecord
		err := rows.Scan(&rec.Fingerprint, &rec.Name, &rec.Magnet, &rec.MetainfoPath,
			&rec.SavePath, &rec.DesiredState, &rec.Sequential, &rec.MaxConnections,
			&rec.Moved, &rec.AddedAt, &rec.UpdatedAt)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *TransferRepository) Get(fingerprint string) (*TransferRecord, error) {
	query := `
        SELECT fingerprint, name, magnet, metainfo_path, save_path,
               desired_state, sequential, max_connections, moved, added_at, updated_at
        FROM transfers WHERE fingerprint = ?
    `
	row := r.db.QueryRow(query, fingerprint)

	var rec TransferRecord
	err := row.Scan(&rec.Fingerprint, &rec.Name, &rec.Magnet, &rec.MetainfoPath,
		&rec.SavePath, &rec.DesiredState, &rec.Sequential, &rec.MaxConnections,
		&rec.Moved, &rec.AddedAt, &rec.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *TransferRepository) SetDesiredState(fingerprint string, state DesiredState) error {
	_, err := r.db.Exec(
		"UPDATE transfers SET desired_state = ?, updated_at = CURRENT_TIMESTAMP WHERE fingerprint = ?",
		state, fingerprint)
	return err
}

func (r *TransferRepository) SetMoved(fingerprint string, moved bool) error {
	_, err := r.db.Exec(
		"UPDATE transfers SET moved = ?, updated_at = CURRENT_TIMESTAMP WHERE fingerprint = ?",
		moved, fingerprint)
	return err
}

func (r *TransferRepository) Delete(fingerprint string) error {
	_, err := r.db.Exec("DELETE FROM transfers WHERE fingerprint = ?", fingerprint)
	return err
}
