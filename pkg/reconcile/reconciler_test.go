package reconcile

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/chris/offline-ledger/pkg/models"
	"github.com/chris/offline-ledger/pkg/remote"
	"github.com/chris/offline-ledger/pkg/storage"
	"github.com/chris/offline-ledger/pkg/storage/sqlite"
)

var now = time.Date(2025, 11, 4, 12, 0, 0, 0, time.UTC)

func newReconciler(t *testing.T, fetcher remote.Fetcher) (*Reconciler, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	r := New(store, fetcher, slog.Default()).WithClock(func() time.Time { return now })
	return r, store
}

func baseSnapshot() *remote.Snapshot {
	return &remote.Snapshot{
		Debtor: remote.Debtor{
			Identity:         "swpt:1234",
			Balance:          10000,
			BalanceTimestamp: now.Add(-time.Minute),
			MinBalance:       -5000,
			InterestRate:     3.0,
			Config: remote.Config{
				URI:            "/config",
				LatestUpdateID: 2,
				ConfigData:     `{"rate":3}`,
				DocumentURI:    "/doc",
			},
		},
		Document: &remote.Document{URI: "/doc", ContentType: "text/plain", Content: []byte("terms v2")},
	}
}

func fetchedTransfer(uri string, initiatedAt time.Time, result *remote.TransferOutcome) remote.Transfer {
	return remote.Transfer{
		URI:          uri,
		TransferUUID: uuid.New(),
		Recipient:    "swpt:1234/recipient",
		Amount:       500,
		Note:         "rent",
		NoteFormat:   "plain",
		InitiatedAt:  initiatedAt,
		Result:       result,
	}
}

func TestStoreUserData(t *testing.T) {
	ctx := context.Background()

	t.Run("Installs User And Mirrors Profile", func(t *testing.T) {
		r, store := newReconciler(t, nil)

		userID, err := r.StoreUserData(ctx, baseSnapshot())
		require.NoError(t, err)

		debtor, err := store.GetDebtor(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, "swpt:1234", debtor.Identity)
		assert.Equal(t, int64(10000), debtor.Balance)

		config, err := store.GetConfig(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), config.LatestUpdateID)

		doc, err := store.GetDocument(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, []byte("terms v2"), doc.Content)
	})

	t.Run("Reinstall Returns Same User Id", func(t *testing.T) {
		r, _ := newReconciler(t, nil)

		first, err := r.StoreUserData(ctx, baseSnapshot())
		require.NoError(t, err)
		second, err := r.StoreUserData(ctx, baseSnapshot())
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("Config Version Never Decreases", func(t *testing.T) {
		r, store := newReconciler(t, nil)

		userID, err := r.StoreUserData(ctx, baseSnapshot())
		require.NoError(t, err)

		stale := baseSnapshot()
		stale.Debtor.Config.LatestUpdateID = 1
		stale.Debtor.Config.ConfigData = `{"rate":1}`
		_, err = r.StoreUserData(ctx, stale)
		require.NoError(t, err)

		config, err := store.GetConfig(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), config.LatestUpdateID)
		assert.Equal(t, `{"rate":3}`, config.ConfigData)
	})

	t.Run("Document Replaced Only On Strict Advance", func(t *testing.T) {
		r, store := newReconciler(t, nil)

		userID, err := r.StoreUserData(ctx, baseSnapshot())
		require.NoError(t, err)

		// Same version with different document content: kept.
		same := baseSnapshot()
		same.Document.Content = []byte("not applied")
		_, err = r.StoreUserData(ctx, same)
		require.NoError(t, err)
		doc, err := store.GetDocument(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, []byte("terms v2"), doc.Content)

		// Strictly newer version: replaced.
		newer := baseSnapshot()
		newer.Debtor.Config.LatestUpdateID = 3
		newer.Document.Content = []byte("terms v3")
		_, err = r.StoreUserData(ctx, newer)
		require.NoError(t, err)
		doc, err = store.GetDocument(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, []byte("terms v3"), doc.Content)
	})
}

func TestTransferMerging(t *testing.T) {
	ctx := context.Background()

	t.Run("Waiting Transfers Are Skipped", func(t *testing.T) {
		r, store := newReconciler(t, nil)

		snap := baseSnapshot()
		snap.Transfers = []remote.Transfer{fetchedTransfer("/transfers/1", now.Add(-time.Hour), nil)}
		userID, err := r.StoreUserData(ctx, snap)
		require.NoError(t, err)

		transfers, err := store.ListTransfers(ctx, userID, storage.ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, transfers)
	})

	t.Run("Delayed Transfer Gets One Abort Action", func(t *testing.T) {
		r, store := newReconciler(t, nil)

		snap := baseSnapshot()
		snap.Transfers = []remote.Transfer{
			fetchedTransfer("/transfers/1", now.Add(-models.TransferWaitWindow-time.Hour), nil),
		}
		userID, err := r.StoreUserData(ctx, snap)
		require.NoError(t, err)

		// Reconciling again must not duplicate the action.
		_, err = r.StoreUserData(ctx, snap)
		require.NoError(t, err)

		actions, err := store.ListActions(ctx, userID, storage.ListOptions{})
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, models.ActionAbortTransfer, actions[0].Type)
		assert.Equal(t, "/transfers/1", actions[0].AbortTransfer.TransferURI)
	})

	t.Run("Unsuccessful Transfer Gets Abort Action", func(t *testing.T) {
		r, store := newReconciler(t, nil)

		snap := baseSnapshot()
		snap.Transfers = []remote.Transfer{
			fetchedTransfer("/transfers/1", now.Add(-time.Hour), &remote.TransferOutcome{
				FinalizedAt: now.Add(-time.Minute), CommittedAmount: 0, ErrorCode: "TIMEOUT",
			}),
		}
		userID, err := r.StoreUserData(ctx, snap)
		require.NoError(t, err)

		actions, err := store.ListActions(ctx, userID, storage.ListOptions{})
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, models.ActionAbortTransfer, actions[0].Type)
	})

	t.Run("Successful Transfer Gets One Deletion Task", func(t *testing.T) {
		r, store := newReconciler(t, nil)

		finalized := now.Add(-time.Minute)
		snap := baseSnapshot()
		snap.Transfers = []remote.Transfer{
			fetchedTransfer("/transfers/1", now.Add(-time.Hour), &remote.TransferOutcome{
				FinalizedAt: finalized, CommittedAmount: 500,
			}),
		}
		_, err := r.StoreUserData(ctx, snap)
		require.NoError(t, err)
		_, err = r.StoreUserData(ctx, snap)
		require.NoError(t, err)

		tasks, err := store.ListDueTasks(ctx, now.Add(models.TransferRetention))
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, finalized.Add(models.TransferRetention), tasks[0].ScheduledFor)
	})

	t.Run("Orphaned Abort Action Is Retired", func(t *testing.T) {
		r, store := newReconciler(t, nil)

		snap := baseSnapshot()
		snap.Transfers = []remote.Transfer{
			fetchedTransfer("/transfers/1", now.Add(-models.TransferWaitWindow-time.Hour), nil),
		}
		userID, err := r.StoreUserData(ctx, snap)
		require.NoError(t, err)

		// The transfer disappears from the next snapshot.
		gone := baseSnapshot()
		_, err = r.StoreUserData(ctx, gone)
		require.NoError(t, err)

		actions, err := store.ListActions(ctx, userID, storage.ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, actions)
	})

	t.Run("Pending Create Action Self-Heals", func(t *testing.T) {
		r, store := newReconciler(t, nil)

		userID, err := r.StoreUserData(ctx, baseSnapshot())
		require.NoError(t, err)

		transfer := fetchedTransfer("/transfers/1", now.Add(-time.Hour), &remote.TransferOutcome{
			FinalizedAt: now.Add(-time.Minute), CommittedAmount: 500,
		})
		actionID, err := store.CreateAction(ctx, &models.ActionRecord{
			UserID: userID,
			Type:   models.ActionCreateTransfer,
			CreateTransfer: &models.CreateTransferDetails{
				TransferUUID: transfer.TransferUUID,
				Recipient:    transfer.Recipient,
				Amount:       transfer.Amount,
				Submitted:    true,
			},
		})
		require.NoError(t, err)

		snap := baseSnapshot()
		snap.Transfers = []remote.Transfer{transfer}
		_, err = r.StoreUserData(ctx, snap)
		require.NoError(t, err)

		action, err := store.GetAction(ctx, userID, actionID)
		require.NoError(t, err)
		assert.Equal(t, "/transfers/1", action.CreateTransfer.TransferURI)
	})

	t.Run("Concluded Transfers Are Immutable", func(t *testing.T) {
		r, store := newReconciler(t, nil)

		snap := baseSnapshot()
		snap.Transfers = []remote.Transfer{
			fetchedTransfer("/transfers/1", now.Add(-time.Hour), &remote.TransferOutcome{
				FinalizedAt: now.Add(-time.Minute), CommittedAmount: 500,
			}),
		}
		userID, err := r.StoreUserData(ctx, snap)
		require.NoError(t, err)

		// A later snapshot claims a different amount; the concluded
		// record keeps its state.
		changed := baseSnapshot()
		altered := snap.Transfers[0]
		altered.Amount = 999
		changed.Transfers = []remote.Transfer{altered}
		_, err = r.StoreUserData(ctx, changed)
		require.NoError(t, err)

		stored, err := store.GetTransfer(ctx, userID, "/transfers/1")
		require.NoError(t, err)
		assert.Equal(t, int64(500), stored.Amount)
	})
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("Session Errors Are Swallowed", func(t *testing.T) {
		fetcher := new(remote.MockFetcher)
		fetcher.On("FetchUserSnapshot", mock.Anything).Return(nil, remote.ErrSession)
		r, _ := newReconciler(t, fetcher)

		assert.NoError(t, r.Refresh(ctx))
		fetcher.AssertExpectations(t)
	})

	t.Run("Snapshot Is Merged", func(t *testing.T) {
		fetcher := new(remote.MockFetcher)
		fetcher.On("FetchUserSnapshot", mock.Anything).Return(baseSnapshot(), nil)
		r, store := newReconciler(t, fetcher)

		require.NoError(t, r.Refresh(ctx))

		userID, err := store.GetUserID(ctx, "swpt:1234")
		require.NoError(t, err)
		_, err = store.GetDebtor(ctx, userID)
		assert.NoError(t, err)
	})
}

func TestSweepTasks(t *testing.T) {
	ctx := context.Background()

	t.Run("Deletes Due Transfers", func(t *testing.T) {
		r, store := newReconciler(t, nil)

		snap := baseSnapshot()
		snap.Transfers = []remote.Transfer{
			fetchedTransfer("/transfers/1", now.Add(-30*24*time.Hour), &remote.TransferOutcome{
				FinalizedAt: now.Add(-models.TransferRetention - time.Hour), CommittedAmount: 500,
			}),
		}
		userID, err := r.StoreUserData(ctx, snap)
		require.NoError(t, err)

		require.NoError(t, r.SweepTasks(ctx))

		_, err = store.GetTransfer(ctx, userID, "/transfers/1")
		assert.ErrorIs(t, err, storage.ErrRecordDoesNotExist)
		tasks, err := store.ListDueTasks(ctx, now)
		require.NoError(t, err)
		assert.Empty(t, tasks)
	})
}
