package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/erazemk/pgtag/internal/model"
)

var (
	// ErrTagNotFound is returned by tag mutations when the tag does not exist.
	ErrTagNotFound = errors.New("tag not found")
	// ErrInvalidTransition is returned when a status change would break the
	// tag lifecycle.
	ErrInvalidTransition = errors.New("invalid tag status transition")
	// ErrDuplicateUUID is returned when an in-service tag already carries the UUID.
	ErrDuplicateUUID = errors.New("physical uuid already in service")
)

const tagColumns = `id, physical_uuid, status, password_set, property_id, room_id,
	last_scanned_at, locked_at, deactivated_at, COALESCE(deactivation_reason, ''),
	created_at, updated_at`

// rowQuerier is satisfied by *sql.DB and *sql.Tx.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTag(s rowScanner) (*model.Tag, error) {
	t := &model.Tag{}
	err := s.Scan(&t.ID, &t.PhysicalUUID, &t.Status, &t.PasswordSet, &t.PropertyID, &t.RoomID,
		&t.LastScannedAt, &t.LockedAt, &t.DeactivatedAt, &t.DeactivationReason,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func getTag(ctx context.Context, q rowQuerier, id int64) (*model.Tag, error) {
	t, err := scanTag(q.QueryRowContext(ctx,
		`SELECT `+tagColumns+` FROM tags WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting tag: %w", err)
	}
	return t, nil
}

// CreateTag records a newly issued tag as PENDING with its sealed write secret.
// The secret column is written here and never updated afterwards.
func CreateTag(ctx context.Context, db *sql.DB, propertyID int64, roomID *int64, physicalUUID string, sealedSecret []byte) (*model.Tag, error) {
	result, err := db.ExecContext(ctx,
		`INSERT INTO tags (physical_uuid, write_secret, property_id, room_id) VALUES (?, ?, ?, ?)`,
		physicalUUID, sealedSecret, propertyID, roomID,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrDuplicateUUID
		}
		return nil, fmt.Errorf("creating tag: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting tag id: %w", err)
	}

	return getTag(ctx, db, id)
}

// GetTag returns a tag by ID.
func GetTag(ctx context.Context, db *sql.DB, id int64) (*model.Tag, error) {
	return getTag(ctx, db, id)
}

// FindTagByUUID returns the most recently issued tag carrying the physical UUID
// within a property, whatever its status.
func FindTagByUUID(ctx context.Context, db *sql.DB, propertyID int64, physicalUUID string) (*model.Tag, error) {
	t, err := scanTag(db.QueryRowContext(ctx,
		`SELECT `+tagColumns+` FROM tags
		 WHERE property_id = ? AND physical_uuid = ?
		 ORDER BY id DESC LIMIT 1`, propertyID, physicalUUID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding tag by uuid: %w", err)
	}
	return t, nil
}

// TagFilter narrows ListTags. Zero fields are ignored.
type TagFilter struct {
	PropertyID   int64
	Status       model.TagStatus
	RoomID       int64
	PhysicalUUID string
}

// ListTags returns the tags of a property matching the filter, newest first.
func ListTags(ctx context.Context, db *sql.DB, f TagFilter) ([]model.Tag, error) {
	query := `SELECT ` + tagColumns + ` FROM tags WHERE property_id = ?`
	args := []any{f.PropertyID}

	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.RoomID > 0 {
		query += ` AND room_id = ?`
		args = append(args, f.RoomID)
	}
	if f.PhysicalUUID != "" {
		query += ` AND physical_uuid = ?`
		args = append(args, f.PhysicalUUID)
	}

	query += ` ORDER BY id DESC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tags: %w", err)
	}
	defer rows.Close()

	var tags []model.Tag
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tag: %w", err)
		}
		tags = append(tags, *t)
	}
	return tags, rows.Err()
}

// ConfirmTagLocked records that the physical tag has been password-locked.
// It is idempotent: a PENDING tag becomes ACTIVE with password_set, an already
// confirmed tag is returned unchanged. A tag retired before the confirmation
// arrived keeps its status but still records that the lock happened.
func ConfirmTagLocked(ctx context.Context, db *sql.DB, id int64) (*model.Tag, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := getTag(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrTagNotFound
	}

	switch {
	case current.PasswordSet:
		// Already confirmed; nothing to do.
	case current.Status == model.TagStatusPending:
		_, err = tx.ExecContext(ctx,
			`UPDATE tags SET status = 'ACTIVE', password_set = 1,
			        locked_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			 WHERE id = ? AND status = 'PENDING'`, id,
		)
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE tags SET password_set = 1,
			        locked_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			 WHERE id = ? AND password_set = 0`, id,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("confirming tag lock: %w", err)
	}

	confirmed, err := getTag(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing tag lock: %w", err)
	}
	return confirmed, nil
}

// CheckTransition validates a status change for a tag in the given state.
func CheckTransition(from, to model.TagStatus, passwordSet bool) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if from == to {
		return nil
	}
	switch to {
	case model.TagStatusPending:
		return fmt.Errorf("%w: tags only enter %s at issuance", ErrInvalidTransition, to)
	case model.TagStatusActive:
		if !passwordSet {
			return fmt.Errorf("%w: tag lock has not been confirmed", ErrInvalidTransition)
		}
		if from != model.TagStatusInactive {
			return fmt.Errorf("%w: %s tags cannot be reactivated", ErrInvalidTransition, from)
		}
		return nil
	}
	// Retiring: LOST and DAMAGED are final.
	if from == model.TagStatusLost || from == model.TagStatusDamaged {
		return fmt.Errorf("%w: %s is final", ErrInvalidTransition, from)
	}
	return nil
}

// TagUpdate describes an update to a tag's room association or status.
// ClearRoom detaches the tag from any room.
type TagUpdate struct {
	RoomID    *int64
	ClearRoom bool
	Status    model.TagStatus
}

// UpdateTag reassigns a tag's room and/or changes its status. The physical UUID
// and write secret are never touched.
func UpdateTag(ctx context.Context, db *sql.DB, id int64, u TagUpdate) (*model.Tag, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := getTag(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrTagNotFound
	}

	if u.Status != "" {
		if err := CheckTransition(current.Status, u.Status, current.PasswordSet); err != nil {
			return nil, err
		}
		if u.Status != current.Status {
			_, err = tx.ExecContext(ctx,
				`UPDATE tags SET status = ?, updated_at = CURRENT_TIMESTAMP,
				        deactivated_at = CASE WHEN ? THEN CURRENT_TIMESTAMP ELSE NULL END
				 WHERE id = ?`,
				u.Status, u.Status.Retired(), id,
			)
			if err != nil {
				return nil, fmt.Errorf("updating tag status: %w", err)
			}
		}
	}

	if u.ClearRoom {
		_, err = tx.ExecContext(ctx,
			`UPDATE tags SET room_id = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id,
		)
	} else if u.RoomID != nil {
		_, err = tx.ExecContext(ctx,
			`UPDATE tags SET room_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			*u.RoomID, id,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("updating tag room: %w", err)
	}

	updated, err := getTag(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing tag update: %w", err)
	}
	return updated, nil
}

// DeactivateTag retires a tag as INACTIVE, LOST or DAMAGED. It only changes
// the server record; a lost physical token is not erased.
func DeactivateTag(ctx context.Context, db *sql.DB, id int64, status model.TagStatus, reason string) (*model.Tag, error) {
	if !status.Retired() {
		return nil, fmt.Errorf("%w: %q is not a deactivation status", ErrInvalidTransition, status)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := getTag(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrTagNotFound
	}
	if err := CheckTransition(current.Status, status, current.PasswordSet); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tags SET status = ?, deactivation_reason = ?,
		        deactivated_at = COALESCE(deactivated_at, CURRENT_TIMESTAMP),
		        updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		status, reason, id,
	)
	if err != nil {
		return nil, fmt.Errorf("deactivating tag: %w", err)
	}

	updated, err := getTag(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing tag deactivation: %w", err)
	}
	return updated, nil
}

// GetTagSecret returns a tag's sealed write secret and its physical UUID, which
// is the additional data the secret was sealed with.
func GetTagSecret(ctx context.Context, db *sql.DB, id int64) ([]byte, string, error) {
	var sealed []byte
	var physicalUUID string
	err := db.QueryRowContext(ctx,
		`SELECT write_secret, physical_uuid FROM tags WHERE id = ?`, id,
	).Scan(&sealed, &physicalUUID)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("getting tag secret: %w", err)
	}
	return sealed, physicalUUID, nil
}

// TouchTagScanned records that a tag was just scanned and resolved.
func TouchTagScanned(ctx context.Context, db *sql.DB, id int64) error {
	_, err := db.ExecContext(ctx,
		`UPDATE tags SET last_scanned_at = CURRENT_TIMESTAMP WHERE id = ?`, id,
	)
	if err != nil {
		return fmt.Errorf("touching tag scan time: %w", err)
	}
	return nil
}
