package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
)

// GetJWTSecret retrieves the JWT secret from the database.
// If no secret exists, it generates one, stores it, and returns it.
func GetJWTSecret(ctx context.Context, db *sql.DB) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating jwt secret: %w", err)
	}
	return getOrCreateSetting(ctx, db, "jwt_secret", hex.EncodeToString(buf))
}

// GetVaultKey retrieves the hex key used to seal tag write secrets, creating
// it from candidate on first use. Operators who keep the key outside the
// database pass it on the command line instead.
func GetVaultKey(ctx context.Context, db *sql.DB, candidate string) (string, error) {
	return getOrCreateSetting(ctx, db, "vault_key", candidate)
}

// getOrCreateSetting uses INSERT OR IGNORE + re-SELECT to avoid a TOCTOU race
// on concurrent startup.
func getOrCreateSetting(ctx context.Context, db *sql.DB, key, candidate string) (string, error) {
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO settings (key, value) VALUES (?, ?)`,
		key, candidate,
	)
	if err != nil {
		return "", fmt.Errorf("storing %s: %w", key, err)
	}

	var value string
	err = db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key,
	).Scan(&value)
	if err != nil {
		return "", fmt.Errorf("querying %s: %w", key, err)
	}

	return value, nil
}
