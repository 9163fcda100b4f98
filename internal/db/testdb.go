package db

import (
	"database/sql"
	"testing"
)

// NewTestDB creates a fresh in-memory SQLite database with the server schema.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()
	return NewTestDBWith(t, EnsureSchema)
}

// NewTestDBWith creates a fresh in-memory SQLite database and applies a
// caller-supplied schema, for stores that keep their own tables.
func NewTestDBWith(t *testing.T, ensure func(*sql.DB) error) *sql.DB {
	t.Helper()

	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}

	if err := ensure(db); err != nil {
		db.Close()
		t.Fatalf("creating test database schema: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	return db
}
