package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TransferStatus is the derived lifecycle state of a transfer. It is never
// stored; it is computed from the record's result and timestamps.
type TransferStatus string

const (
	WAITING      TransferStatus = "waiting"
	DELAYED      TransferStatus = "delayed"
	SUCCESSFUL   TransferStatus = "successful"
	UNSUCCESSFUL TransferStatus = "unsuccessful"
)

const (
	// TransferWaitWindow is how long a transfer without a result may
	// stay "waiting" before it is considered delayed.
	TransferWaitWindow = 7 * 24 * time.Hour

	// TransferRetention is how long a successful transfer is kept after
	// finalization before its deletion task fires.
	TransferRetention = 12 * 24 * time.Hour

	// MinDeletionDelay is the minimum time an aborted transfer is kept
	// after initiation.
	MinDeletionDelay = 5 * time.Minute
)

// DebtorRecord mirrors the remote account profile. It carries no local
// mutable state and is overwritten wholesale on every reconciliation.
type DebtorRecord struct {
	UserID           int64     `json:"user_id"`
	Identity         string    `json:"identity"`
	Balance          int64     `json:"balance"`
	BalanceTimestamp time.Time `json:"balance_timestamp"`
	MinBalance       int64     `json:"min_balance"`
	InterestRate     float64   `json:"interest_rate"`
	ConfigURI        string    `json:"config_uri"`
}

// ConfigRecord is the versioned configuration document of an account.
// LatestUpdateID is assigned by the remote authority and never decreases
// in the local store.
type ConfigRecord struct {
	UserID         int64  `json:"user_id"`
	URI            string `json:"uri"`
	LatestUpdateID int64  `json:"latest_update_id"`
	ConfigData     string `json:"config_data"`
	DocumentURI    string `json:"document_uri,omitempty"`
}

// DocumentRecord holds opaque binary content referenced by the config.
// At most one exists per user; it is replaced wholesale when the config
// version advances.
type DocumentRecord struct {
	UserID      int64  `json:"user_id"`
	URI         string `json:"uri"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
}

// TransferResult is the remote outcome of a transfer. A zero committed
// amount means the transfer was unsuccessful.
type TransferResult struct {
	FinalizedAt     time.Time `json:"finalized_at"`
	CommittedAmount int64     `json:"committed_amount"`
	ErrorCode       string    `json:"error_code,omitempty"`
}

// TransferRecord is the local mirror of one remote transfer, keyed by its
// remote URI. ListTime is a local ordering key in unix microseconds; it is
// assigned on first insertion and preserved on every later upsert.
type TransferRecord struct {
	UserID         int64           `json:"user_id"`
	URI            string          `json:"uri"`
	TransferUUID   uuid.UUID       `json:"transfer_uuid"`
	Recipient      string          `json:"recipient"`
	Amount         int64           `json:"amount"`
	Note           string          `json:"note"`
	NoteFormat     string          `json:"note_format"`
	InitiatedAt    time.Time       `json:"initiated_at"`
	ListTime       int64           `json:"list_time"`
	Result         *TransferResult `json:"result,omitempty"`
	Aborted        bool            `json:"aborted"`
	OriginatesHere bool            `json:"originates_here"`
}

// Status classifies the transfer at the given instant. A transfer without
// a result is waiting until the wait window elapses, then delayed. A
// transfer with a result is successful exactly when a non-zero amount was
// committed.
func (t *TransferRecord) Status(now time.Time) TransferStatus {
	if t.Result == nil {
		if now.Sub(t.InitiatedAt) > TransferWaitWindow {
			return DELAYED
		}
		return WAITING
	}
	if t.Result.CommittedAmount != 0 {
		return SUCCESSFUL
	}
	return UNSUCCESSFUL
}

// Concluded reports whether the transfer has reached a terminal state:
// successful, unsuccessful, or locally aborted.
func (t *TransferRecord) Concluded() bool {
	return t.Result != nil || t.Aborted
}

// ActionType discriminates the closed set of pending user intents.
type ActionType string

const (
	ActionUpdateConfig   ActionType = "UpdateConfig"
	ActionCreateTransfer ActionType = "CreateTransfer"
	ActionAbortTransfer  ActionType = "AbortTransfer"
)

// UpdateConfigDetails carries an optimistic, not-yet-confirmed next config
// version alongside the data to submit.
type UpdateConfigDetails struct {
	NextUpdateID int64   `json:"next_update_id"`
	InterestRate float64 `json:"interest_rate"`
	ConfigData   string  `json:"config_data"`
}

// CreateTransferDetails holds everything needed to submit (or re-submit
// after a crash) a transfer. TransferUUID is generated locally so the
// remote call is idempotent; TransferURI is filled in once the remote side
// has confirmed the transfer.
type CreateTransferDetails struct {
	TransferUUID uuid.UUID `json:"transfer_uuid"`
	Recipient    string    `json:"recipient"`
	Amount       int64     `json:"amount"`
	Note         string    `json:"note"`
	NoteFormat   string    `json:"note_format"`
	Submitted    bool      `json:"submitted"`
	TransferURI  string    `json:"transfer_uri,omitempty"`
}

// AbortTransferDetails identifies the transfer to abort.
type AbortTransferDetails struct {
	TransferURI  string    `json:"transfer_uri"`
	TransferUUID uuid.UUID `json:"transfer_uuid"`
}

// ActionRecord is one entry in the pending-action queue. Exactly one of
// the details pointers is non-nil, matching Type. ActionID is the queue
// position (auto-assigned, strictly increasing); Version is bumped on
// every write and is the compare-and-swap guard for all queue mutations.
type ActionRecord struct {
	ActionID  int64      `json:"action_id"`
	UserID    int64      `json:"user_id"`
	Type      ActionType `json:"type"`
	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"created_at"`

	UpdateConfig   *UpdateConfigDetails   `json:"update_config,omitempty"`
	CreateTransfer *CreateTransferDetails `json:"create_transfer,omitempty"`
	AbortTransfer  *AbortTransferDetails  `json:"abort_transfer,omitempty"`
}

// Validate checks that the discriminant and the details pointers agree.
func (a *ActionRecord) Validate() error {
	switch a.Type {
	case ActionUpdateConfig:
		if a.UpdateConfig == nil || a.CreateTransfer != nil || a.AbortTransfer != nil {
			return fmt.Errorf("action %d: details do not match type %q", a.ActionID, a.Type)
		}
	case ActionCreateTransfer:
		if a.CreateTransfer == nil || a.UpdateConfig != nil || a.AbortTransfer != nil {
			return fmt.Errorf("action %d: details do not match type %q", a.ActionID, a.Type)
		}
	case ActionAbortTransfer:
		if a.AbortTransfer == nil || a.UpdateConfig != nil || a.CreateTransfer != nil {
			return fmt.Errorf("action %d: details do not match type %q", a.ActionID, a.Type)
		}
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// TaskType discriminates scheduled housekeeping work.
type TaskType string

// TaskDeleteTransfer is the deferred deletion of a concluded transfer.
const TaskDeleteTransfer TaskType = "DeleteTransfer"

// TaskRecord is one scheduled housekeeping entry, created by the
// reconciler and consumed by the periodic sweep.
type TaskRecord struct {
	TaskID       int64     `json:"task_id"`
	UserID       int64     `json:"user_id"`
	Type         TaskType  `json:"type"`
	TransferURI  string    `json:"transfer_uri"`
	ScheduledFor time.Time `json:"scheduled_for"`
}
