package storage

import "context"

// Tx is the set of table operations available both directly (each call
// auto-commits) and inside an atomic transaction opened with Transact.
type Tx interface {
	DebtorStore
	TransferStore
	ActionStore
	TaskStore
}

// Storage defines the root interface for the entire data layer.
// It composes all available storage operations. Components should depend
// on the more granular interfaces (DebtorStore, ActionStore, etc.)
// instead of this one.
type Storage interface {
	UserStore
	Tx
	ActionResolver

	// Transact runs fn inside a single atomic transaction. Multi-row
	// mutations (a reconciliation pass, an action resolution) must go
	// through here so a crash or an interleaved operation can never
	// observe a half-updated state.
	Transact(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}
