// Package journal keeps a device-local record of tags that were physically
// locked but whose confirmation has not reached the backend yet.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/erazemk/pgtag/internal/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_confirmations (
    tag_id          INTEGER PRIMARY KEY,
    physical_uuid   TEXT NOT NULL,
    room_id         INTEGER,
    locked_at       DATETIME NOT NULL,
    attempts        INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT NOT NULL DEFAULT '',
    last_attempt_at DATETIME
);
`

// Pending is a locked tag awaiting confirm-lock. It holds no secret.
type Pending struct {
	TagID         int64      `json:"tagId"`
	PhysicalUUID  string     `json:"physicalUuid"`
	RoomID        *int64     `json:"roomId,omitempty"`
	LockedAt      time.Time  `json:"lockedAt"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"lastError,omitempty"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
}

// EnsureSchema creates the journal table if it does not exist.
func EnsureSchema(database *sql.DB) error {
	if _, err := database.Exec(schema); err != nil {
		return fmt.Errorf("creating journal schema: %w", err)
	}
	return nil
}

// Store is the journal backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the journal database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	database, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if err := EnsureSchema(database); err != nil {
		database.Close()
		return nil, err
	}
	return &Store{db: database}, nil
}

// New wraps an already open database that has the journal schema.
func New(database *sql.DB) *Store {
	return &Store{db: database}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores a pending confirmation. Recording the same tag again keeps
// the attempt history.
func (s *Store) Record(ctx context.Context, p Pending) error {
	if p.LockedAt.IsZero() {
		p.LockedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_confirmations (tag_id, physical_uuid, room_id, locked_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(tag_id) DO UPDATE SET physical_uuid = excluded.physical_uuid,
		                                   room_id = excluded.room_id`,
		p.TagID, p.PhysicalUUID, p.RoomID, p.LockedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording pending confirmation: %w", err)
	}
	return nil
}

// Remove drops a tag from the journal. Removing an absent tag is not an error.
func (s *Store) Remove(ctx context.Context, tagID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_confirmations WHERE tag_id = ?`, tagID); err != nil {
		return fmt.Errorf("removing pending confirmation: %w", err)
	}
	return nil
}

// MarkAttempt records a failed confirmation attempt.
func (s *Store) MarkAttempt(ctx context.Context, tagID int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_confirmations
		 SET attempts = attempts + 1, last_error = ?, last_attempt_at = ?
		 WHERE tag_id = ?`,
		msg, time.Now().UTC(), tagID,
	)
	if err != nil {
		return fmt.Errorf("marking confirmation attempt: %w", err)
	}
	return nil
}

// List returns every pending confirmation, oldest lock first.
func (s *Store) List(ctx context.Context) ([]Pending, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tag_id, physical_uuid, room_id, locked_at, attempts, last_error, last_attempt_at
		 FROM pending_confirmations ORDER BY locked_at, tag_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing pending confirmations: %w", err)
	}
	defer rows.Close()

	var out []Pending
	for rows.Next() {
		var p Pending
		if err := rows.Scan(&p.TagID, &p.PhysicalUUID, &p.RoomID, &p.LockedAt, &p.Attempts, &p.LastError, &p.LastAttemptAt); err != nil {
			return nil, fmt.Errorf("scanning pending confirmation: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
