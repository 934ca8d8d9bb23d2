package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chris/offline-ledger/pkg/storage"
)

// GetUserID resolves a remote identity to its local user id.
func (q *queries) GetUserID(ctx context.Context, identity string) (int64, error) {
	var id int64
	err := q.db.QueryRowContext(ctx,
		`SELECT user_id FROM users WHERE identity = ?`, identity).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrRecordDoesNotExist
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get user id: %w", err)
	}
	return id, nil
}

// CreateUser installs a remote identity, returning the existing id if it
// is already installed.
func (q *queries) CreateUser(ctx context.Context, identity string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO users (identity, created_at) VALUES (?, ?)
		ON CONFLICT(identity) DO NOTHING
	`, identity, timeToMicros(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to create user: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("failed to read new user id: %w", err)
		}
		return id, nil
	}
	return q.GetUserID(ctx, identity)
}

// UninstallUser deletes the user row; the ON DELETE CASCADE constraints
// take every dependent row in every table with it, atomically.
func (q *queries) UninstallUser(ctx context.Context, userID int64) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM users WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to uninstall user %d: %w", userID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrRecordDoesNotExist
	}
	return nil
}

// userExists is used by CreateAction to reject actions for uninstalled
// users.
func (q *queries) userExists(ctx context.Context, userID int64) (bool, error) {
	var one int
	err := q.db.QueryRowContext(ctx,
		`SELECT 1 FROM users WHERE user_id = ?`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check user %d: %w", userID, err)
	}
	return true, nil
}
