package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/erazemk/pgtag/internal/model"
)

// RecordSecretAccess appends an audit row for a successful write-secret retrieval.
func RecordSecretAccess(ctx context.Context, db *sql.DB, tagID, userID int64, remoteAddr string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO tag_secret_access (tag_id, user_id, remote_addr) VALUES (?, ?, ?)`,
		tagID, userID, remoteAddr,
	)
	if err != nil {
		return fmt.Errorf("recording secret access: %w", err)
	}
	return nil
}

// ListSecretAccess returns the secret retrieval audit trail for a tag, newest first.
func ListSecretAccess(ctx context.Context, db *sql.DB, tagID int64) ([]model.SecretAccess, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT a.id, a.tag_id, a.user_id, u.username, COALESCE(a.remote_addr, ''), a.accessed_at
		 FROM tag_secret_access a
		 JOIN users u ON u.id = a.user_id
		 WHERE a.tag_id = ?
		 ORDER BY a.id DESC`, tagID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing secret access: %w", err)
	}
	defer rows.Close()

	var entries []model.SecretAccess
	for rows.Next() {
		var a model.SecretAccess
		if err := rows.Scan(&a.ID, &a.TagID, &a.UserID, &a.Username, &a.RemoteAddr, &a.AccessedAt); err != nil {
			return nil, fmt.Errorf("scanning secret access: %w", err)
		}
		entries = append(entries, a)
	}
	return entries, rows.Err()
}
