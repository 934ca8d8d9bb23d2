package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HTTPFetcher fetches snapshots from the remote service over HTTP with a
// bearer token. The wire schema is private to this file; the core only
// ever sees the Snapshot shape.
type HTTPFetcher struct {
	Client  *http.Client
	BaseURL string
	Tokens  TokenSource
}

// NewHTTPFetcher creates an HTTPFetcher with a 30 second timeout; the
// timeout is the only hard cutoff and surfaces as a session error.
func NewHTTPFetcher(baseURL string, tokens TokenSource) *HTTPFetcher {
	return &HTTPFetcher{
		Client:  &http.Client{Timeout: 30 * time.Second},
		BaseURL: baseURL,
		Tokens:  tokens,
	}
}

// Make sure we conform to the interface
var _ Fetcher = (*HTTPFetcher)(nil)

type wireConfig struct {
	URI            string `json:"uri"`
	LatestUpdateID int64  `json:"latestUpdateId"`
	ConfigData     string `json:"configData"`
	DocumentURI    string `json:"documentUri"`
}

type wireDebtor struct {
	Identity         string     `json:"identity"`
	Balance          int64      `json:"balance"`
	BalanceTimestamp time.Time  `json:"balanceTimestamp"`
	MinBalance       int64      `json:"minBalance"`
	InterestRate     float64    `json:"interestRate"`
	Config           wireConfig `json:"config"`
}

type wireResult struct {
	FinalizedAt     time.Time `json:"finalizedAt"`
	CommittedAmount int64     `json:"committedAmount"`
	ErrorCode       string    `json:"errorCode"`
}

type wireTransfer struct {
	URI          string      `json:"uri"`
	TransferUUID string      `json:"transferUuid"`
	Recipient    string      `json:"recipient"`
	Amount       int64       `json:"amount"`
	Note         string      `json:"note"`
	NoteFormat   string      `json:"noteFormat"`
	InitiatedAt  time.Time   `json:"initiatedAt"`
	Result       *wireResult `json:"result"`
}

type wireDocument struct {
	URI         string `json:"uri"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"content"`
}

type wireSnapshot struct {
	Debtor    wireDebtor     `json:"debtor"`
	Transfers []wireTransfer `json:"transfers"`
	Document  *wireDocument  `json:"document"`
}

// FetchUserSnapshot fetches the full remote state for the account the
// token belongs to.
func (f *HTTPFetcher) FetchUserSnapshot(ctx context.Context) (*Snapshot, error) {
	token, err := f.Tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL+"/snapshot", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build snapshot request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSession, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		f.Tokens.InvalidateToken(token)
		return nil, fmt.Errorf("%w: status %d", ErrAuthentication, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d", ErrSession, resp.StatusCode)
	}

	var ws wireSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&ws); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSession, err)
	}
	return ws.toSnapshot()
}

func (ws *wireSnapshot) toSnapshot() (*Snapshot, error) {
	snap := &Snapshot{
		Debtor: Debtor{
			Identity:         ws.Debtor.Identity,
			Balance:          ws.Debtor.Balance,
			BalanceTimestamp: ws.Debtor.BalanceTimestamp,
			MinBalance:       ws.Debtor.MinBalance,
			InterestRate:     ws.Debtor.InterestRate,
			Config: Config{
				URI:            ws.Debtor.Config.URI,
				LatestUpdateID: ws.Debtor.Config.LatestUpdateID,
				ConfigData:     ws.Debtor.Config.ConfigData,
				DocumentURI:    ws.Debtor.Config.DocumentURI,
			},
		},
	}
	for _, wt := range ws.Transfers {
		id, err := uuid.Parse(wt.TransferUUID)
		if err != nil {
			return nil, fmt.Errorf("invalid transfer uuid %q: %w", wt.TransferUUID, err)
		}
		t := Transfer{
			URI:          wt.URI,
			TransferUUID: id,
			Recipient:    wt.Recipient,
			Amount:       wt.Amount,
			Note:         wt.Note,
			NoteFormat:   wt.NoteFormat,
			InitiatedAt:  wt.InitiatedAt,
		}
		if wt.Result != nil {
			t.Result = &TransferOutcome{
				FinalizedAt:     wt.Result.FinalizedAt,
				CommittedAmount: wt.Result.CommittedAmount,
				ErrorCode:       wt.Result.ErrorCode,
			}
		}
		snap.Transfers = append(snap.Transfers, t)
	}
	if ws.Document != nil {
		snap.Document = &Document{
			URI:         ws.Document.URI,
			ContentType: ws.Document.ContentType,
			Content:     ws.Document.Content,
		}
	}
	return snap, nil
}
