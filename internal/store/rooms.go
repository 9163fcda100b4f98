package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/erazemk/pgtag/internal/model"
)

// ErrRoomInUse is returned when deleting a room that in-service tags still point at.
var ErrRoomInUse = errors.New("room has in-service tags")

// CreateRoom creates a room inside a property.
func CreateRoom(ctx context.Context, db *sql.DB, propertyID int64, number, floor string, capacity int) (*model.Room, error) {
	if capacity <= 0 {
		capacity = 1
	}
	result, err := db.ExecContext(ctx,
		`INSERT INTO rooms (property_id, number, floor, capacity) VALUES (?, ?, ?, ?)`,
		propertyID, number, floor, capacity,
	)
	if err != nil {
		return nil, fmt.Errorf("creating room: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting room id: %w", err)
	}

	return GetRoom(ctx, db, id)
}

// GetRoom returns a room by ID, including soft-deleted rooms.
func GetRoom(ctx context.Context, db *sql.DB, id int64) (*model.Room, error) {
	r := &model.Room{}
	var floor sql.NullString
	err := db.QueryRowContext(ctx,
		`SELECT id, property_id, number, floor, capacity, created_at, deleted_at
		 FROM rooms WHERE id = ?`, id,
	).Scan(&r.ID, &r.PropertyID, &r.Number, &floor, &r.Capacity, &r.CreatedAt, &r.DeletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting room: %w", err)
	}
	r.Floor = floor.String
	return r, nil
}

// ListRooms returns the non-deleted rooms of a property.
func ListRooms(ctx context.Context, db *sql.DB, propertyID int64) ([]model.Room, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, property_id, number, floor, capacity, created_at, deleted_at
		 FROM rooms WHERE deleted_at IS NULL AND property_id = ? ORDER BY number`, propertyID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing rooms: %w", err)
	}
	defer rows.Close()

	var rooms []model.Room
	for rows.Next() {
		var r model.Room
		var floor sql.NullString
		if err := rows.Scan(&r.ID, &r.PropertyID, &r.Number, &floor, &r.Capacity, &r.CreatedAt, &r.DeletedAt); err != nil {
			return nil, fmt.Errorf("scanning room: %w", err)
		}
		r.Floor = floor.String
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// DeleteRoom soft-deletes a room. Fails if any in-service tag is still bound to it.
func DeleteRoom(ctx context.Context, db *sql.DB, id int64) error {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tags WHERE room_id = ? AND status IN ('PENDING', 'ACTIVE')`, id,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("checking room tags: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("%w: %d bound", ErrRoomInUse, count)
	}

	_, err = db.ExecContext(ctx,
		`UPDATE rooms SET deleted_at = CURRENT_TIMESTAMP WHERE id = ? AND deleted_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("deleting room: %w", err)
	}
	return nil
}
