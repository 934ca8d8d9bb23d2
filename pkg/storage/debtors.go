package storage

import (
	"context"

	"github.com/chris/offline-ledger/pkg/models"
)

// DebtorStore manages the per-user debtor profile, its versioned config,
// and the config's referenced document. The Get accessors return
// ErrRecordDoesNotExist when the row is absent for an otherwise-known
// user.
type DebtorStore interface {
	GetDebtor(ctx context.Context, userID int64) (*models.DebtorRecord, error)
	PutDebtor(ctx context.Context, debtor *models.DebtorRecord) error

	GetConfig(ctx context.Context, userID int64) (*models.ConfigRecord, error)
	// PutConfig stores the config. Changing the URI of an existing config
	// is a programming error and is rejected.
	PutConfig(ctx context.Context, config *models.ConfigRecord) error

	GetDocument(ctx context.Context, userID int64) (*models.DocumentRecord, error)
	PutDocument(ctx context.Context, doc *models.DocumentRecord) error
	DeleteDocument(ctx context.Context, userID int64) error
}
