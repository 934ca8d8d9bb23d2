// Package remote defines the collaborator interfaces the data layer
// consumes: the snapshot fetcher and the auth token source. The core
// never sees the wire format, only these shapes.
package remote

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrSession is returned when the remote service is unreachable or the
// session is otherwise broken. Reconciliation passes swallow it.
var ErrSession = errors.New("session error")

// ErrAuthentication is returned when the credential is invalid.
var ErrAuthentication = errors.New("authentication error")

// ErrCannotObtainToken is returned by a TokenSource that could not
// acquire a bearer token.
var ErrCannotObtainToken = errors.New("cannot obtain token")

// Debtor is the remote account profile as fetched, including its current
// config.
type Debtor struct {
	Identity         string
	Balance          int64
	BalanceTimestamp time.Time
	MinBalance       int64
	InterestRate     float64
	Config           Config
}

// Config is the fetched versioned configuration.
type Config struct {
	URI            string
	LatestUpdateID int64
	ConfigData     string
	DocumentURI    string
}

// TransferOutcome is the remote result of a concluded transfer.
type TransferOutcome struct {
	FinalizedAt     time.Time
	CommittedAmount int64
	ErrorCode       string
}

// Transfer is one remote transfer as fetched.
type Transfer struct {
	URI          string
	TransferUUID uuid.UUID
	Recipient    string
	Amount       int64
	Note         string
	NoteFormat   string
	InitiatedAt  time.Time
	Result       *TransferOutcome
}

// Document is the fetched content of the config's referenced document.
type Document struct {
	URI         string
	ContentType string
	Content     []byte
}

// Snapshot is the full remote-side state for one user.
type Snapshot struct {
	Debtor    Debtor
	Transfers []Transfer
	Document  *Document
}

// Fetcher retrieves the authoritative remote snapshot.
type Fetcher interface {
	// FetchUserSnapshot fetches the remote state. Network and session
	// failures surface as ErrSession; credential failures as
	// ErrAuthentication.
	FetchUserSnapshot(ctx context.Context) (*Snapshot, error)
}

// TokenSource supplies bearer tokens for the fetcher.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	InvalidateToken(token string)
	Logout(ctx context.Context) error
}
