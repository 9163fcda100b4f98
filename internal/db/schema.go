package db

import (
	"database/sql"
	"fmt"
)

// schema is the full database schema.
const schema = `
CREATE TABLE IF NOT EXISTS properties (
    id         INTEGER PRIMARY KEY,
    name       TEXT NOT NULL,
    address    TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    deleted_at DATETIME
);

CREATE TABLE IF NOT EXISTS rooms (
    id          INTEGER PRIMARY KEY,
    property_id INTEGER NOT NULL REFERENCES properties(id),
    number      TEXT NOT NULL,
    floor       TEXT,
    capacity    INTEGER NOT NULL DEFAULT 1 CHECK (capacity > 0),
    created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    deleted_at  DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_rooms_number_active
    ON rooms(property_id, number) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS users (
    id            INTEGER PRIMARY KEY,
    username      TEXT NOT NULL,
    password_hash TEXT NOT NULL,
    role          TEXT NOT NULL DEFAULT 'resident' CHECK (role IN ('admin', 'manager', 'staff', 'resident')),
    property_id   INTEGER REFERENCES properties(id),
    created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    deleted_at    DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username_active
    ON users(username) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS tags (
    id                  INTEGER PRIMARY KEY,
    physical_uuid       TEXT NOT NULL,
    write_secret        BLOB NOT NULL,
    status              TEXT NOT NULL DEFAULT 'PENDING'
                        CHECK (status IN ('PENDING', 'ACTIVE', 'INACTIVE', 'LOST', 'DAMAGED')),
    password_set        INTEGER NOT NULL DEFAULT 0,
    property_id         INTEGER NOT NULL REFERENCES properties(id),
    room_id             INTEGER REFERENCES rooms(id),
    last_scanned_at     DATETIME,
    locked_at           DATETIME,
    deactivated_at      DATETIME,
    deactivation_reason TEXT,
    created_at          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    CHECK (password_set = 0 OR status <> 'PENDING'),
    CHECK (status <> 'ACTIVE' OR password_set = 1)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tags_uuid_in_service
    ON tags(property_id, physical_uuid) WHERE status IN ('PENDING', 'ACTIVE');

CREATE INDEX IF NOT EXISTS idx_tags_property_status
    ON tags(property_id, status);

CREATE TABLE IF NOT EXISTS tag_secret_access (
    id          INTEGER PRIMARY KEY,
    tag_id      INTEGER NOT NULL REFERENCES tags(id),
    user_id     INTEGER NOT NULL REFERENCES users(id),
    remote_addr TEXT,
    accessed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS revoked_tokens (
    jti        TEXT PRIMARY KEY,
    expires_at DATETIME NOT NULL
);
`

// EnsureSchema creates all tables and indexes if they don't already exist.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}
