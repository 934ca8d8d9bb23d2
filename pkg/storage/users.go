package storage

import "context"

// UserStore manages the mapping from remote account identities to local
// user ids. At most one user exists per distinct remote identity.
type UserStore interface {
	// GetUserID resolves a remote identity to its local user id.
	// Returns ErrRecordDoesNotExist if the identity is not installed.
	GetUserID(ctx context.Context, identity string) (int64, error)

	// CreateUser installs a remote identity and returns its new user id.
	// If the identity is already installed, the existing id is returned.
	CreateUser(ctx context.Context, identity string) (int64, error)

	// UninstallUser deletes every row, in every table, for the user,
	// transactionally.
	UninstallUser(ctx context.Context, userID int64) error
}
