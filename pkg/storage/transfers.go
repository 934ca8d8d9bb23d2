package storage

import (
	"context"

	"github.com/chris/offline-ledger/pkg/models"
)

// ListOptions controls pagination for list queries. Before is an
// exclusive upper bound on the ordering key (ListTime for transfers,
// ActionID for actions); zero means unbounded. Reverse lists newest
// first.
type ListOptions struct {
	Limit   int
	Before  int64
	Reverse bool
}

// TransferReader defines the read side of the transfer table.
type TransferReader interface {
	// GetTransfer retrieves one transfer by its remote URI.
	GetTransfer(ctx context.Context, userID int64, uri string) (*models.TransferRecord, error)

	// ListTransfers returns the user's transfers ordered by ListTime.
	ListTransfers(ctx context.Context, userID int64, opts ListOptions) ([]models.TransferRecord, error)
}

// TransferWriter defines the write side of the transfer table.
type TransferWriter interface {
	// PutTransfer inserts or updates a transfer. For an existing record
	// the local ListTime, Aborted flag, and OriginatesHere flag are
	// preserved. For a new record a unique ListTime is assigned: on a
	// collision with another transfer of the same user the value is
	// incremented by one microsecond until unique. The stored record is
	// returned.
	PutTransfer(ctx context.Context, transfer *models.TransferRecord) (*models.TransferRecord, error)

	// DeleteTransfer removes a transfer row. Deleting an absent row is
	// not an error.
	DeleteTransfer(ctx context.Context, userID int64, uri string) error
}

// TransferStore combines the reader and writer interfaces.
type TransferStore interface {
	TransferReader
	TransferWriter
}
