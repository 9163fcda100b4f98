package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/erazemk/pgtag/internal/model"
)

// CreateProperty creates a new property.
func CreateProperty(ctx context.Context, db *sql.DB, name, address string) (*model.Property, error) {
	result, err := db.ExecContext(ctx,
		`INSERT INTO properties (name, address) VALUES (?, ?)`,
		name, address,
	)
	if err != nil {
		return nil, fmt.Errorf("creating property: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting property id: %w", err)
	}

	return GetProperty(ctx, db, id)
}

// GetProperty returns a property by ID.
func GetProperty(ctx context.Context, db *sql.DB, id int64) (*model.Property, error) {
	p := &model.Property{}
	var address sql.NullString
	err := db.QueryRowContext(ctx,
		`SELECT id, name, address, created_at, deleted_at
		 FROM properties WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &address, &p.CreatedAt, &p.DeletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting property: %w", err)
	}
	p.Address = address.String
	return p, nil
}

// ListProperties returns all non-deleted properties.
func ListProperties(ctx context.Context, db *sql.DB) ([]model.Property, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, name, address, created_at, deleted_at
		 FROM properties WHERE deleted_at IS NULL ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing properties: %w", err)
	}
	defer rows.Close()

	var properties []model.Property
	for rows.Next() {
		var p model.Property
		var address sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &address, &p.CreatedAt, &p.DeletedAt); err != nil {
			return nil, fmt.Errorf("scanning property: %w", err)
		}
		p.Address = address.String
		properties = append(properties, p)
	}
	return properties, rows.Err()
}
