package storage

import (
	"context"

	"github.com/chris/offline-ledger/pkg/models"
)

// ActionReader defines the read side of the pending-action queue.
type ActionReader interface {
	// GetAction retrieves one action by id. Returns
	// ErrRecordDoesNotExist if it was already resolved.
	GetAction(ctx context.Context, userID, actionID int64) (*models.ActionRecord, error)

	// ListActions returns the user's pending actions ordered by
	// ActionID (queue position).
	ListActions(ctx context.Context, userID int64, opts ListOptions) ([]models.ActionRecord, error)
}

// ActionWriter defines the compare-and-swap-protected mutations of the
// pending-action queue. The version check is the sole consistency
// mechanism protecting the queue from lost updates under interleaved
// operations.
type ActionWriter interface {
	// CreateAction appends a new action to the queue and returns its
	// auto-assigned id. Fails with ErrRecordDoesNotExist if the owning
	// user is not installed.
	CreateAction(ctx context.Context, action *models.ActionRecord) (int64, error)

	// ReplaceAction re-reads the action identified by observed. If its
	// stored version no longer matches, it fails with
	// ErrRecordDoesNotExist. Otherwise: a nil replacement deletes the
	// row (returning 0); a replacement with zero ActionID deletes then
	// reinserts, returning a fresh id; a replacement with the observed
	// id overwrites in place. A replacement with a different non-zero
	// id, or a changed UserID, is a programming error.
	ReplaceAction(ctx context.Context, observed, replacement *models.ActionRecord) (int64, error)
}

// ActionResolver defines the combined operations that resolve an action
// against the transfer table. Each runs as a single atomic transaction.
type ActionResolver interface {
	// CreateTransferRecord validates that the observed CreateTransfer
	// action is unchanged, stores the confirmed transfer, and deletes
	// the action, all-or-nothing.
	CreateTransferRecord(ctx context.Context, observed *models.ActionRecord, transfer *models.TransferRecord) (*models.TransferRecord, error)

	// ResolveAbortTransfer resolves an AbortTransfer action: the
	// referenced transfer is marked aborted (unless it concluded
	// successfully in the meantime), its deletion task is scheduled,
	// and the action is deleted.
	ResolveAbortTransfer(ctx context.Context, userID, actionID int64) (*models.TransferRecord, error)

	// RetryTransfer builds a fresh CreateTransfer action cloning the
	// recipient, amount, and note of a prior transfer, under a newly
	// generated transfer UUID.
	RetryTransfer(ctx context.Context, transfer *models.TransferRecord) (*models.ActionRecord, error)

	// AbortAndRetryTransfer resolves the AbortTransfer action like
	// ResolveAbortTransfer, then creates a retry action for the aborted
	// transfer, atomically.
	AbortAndRetryTransfer(ctx context.Context, userID, actionID int64) (*models.ActionRecord, error)
}

// ActionStore combines the queue interfaces.
type ActionStore interface {
	ActionReader
	ActionWriter
}
