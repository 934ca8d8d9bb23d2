package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chris/offline-ledger/pkg/models"
	"github.com/chris/offline-ledger/pkg/storage"
)

func newCreateAction(userID int64) *models.ActionRecord {
	return &models.ActionRecord{
		UserID: userID,
		Type:   models.ActionCreateTransfer,
		CreateTransfer: &models.CreateTransferDetails{
			TransferUUID: uuid.New(),
			Recipient:    "swpt:1234/recipient",
			Amount:       500,
			Note:         "rent",
			NoteFormat:   "plain",
		},
	}
}

func TestCreateAction(t *testing.T) {
	ctx := context.Background()

	t.Run("Assigns Increasing Ids", func(t *testing.T) {
		store := newTestStore(t)
		userID := installUser(t, store, "swpt:1234")

		first, err := store.CreateAction(ctx, newCreateAction(userID))
		require.NoError(t, err)
		second, err := store.CreateAction(ctx, newCreateAction(userID))
		require.NoError(t, err)
		assert.Greater(t, second, first)
	})

	t.Run("Uninstalled User", func(t *testing.T) {
		store := newTestStore(t)

		_, err := store.CreateAction(ctx, newCreateAction(42))
		assert.ErrorIs(t, err, storage.ErrRecordDoesNotExist)
	})

	t.Run("Mismatched Details", func(t *testing.T) {
		store := newTestStore(t)
		userID := installUser(t, store, "swpt:1234")

		_, err := store.CreateAction(ctx, &models.ActionRecord{
			UserID: userID,
			Type:   models.ActionUpdateConfig,
			CreateTransfer: &models.CreateTransferDetails{
				TransferUUID: uuid.New(),
			},
		})
		require.Error(t, err)
	})
}

func TestReplaceAction(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Store, *models.ActionRecord) {
		store := newTestStore(t)
		userID := installUser(t, store, "swpt:1234")
		id, err := store.CreateAction(ctx, newCreateAction(userID))
		require.NoError(t, err)
		action, err := store.GetAction(ctx, userID, id)
		require.NoError(t, err)
		return store, action
	}

	t.Run("Overwrite In Place", func(t *testing.T) {
		store, action := setup(t)

		updated := *action
		details := *action.CreateTransfer
		details.Submitted = true
		updated.CreateTransfer = &details

		id, err := store.ReplaceAction(ctx, action, &updated)
		require.NoError(t, err)
		assert.Equal(t, action.ActionID, id)

		stored, err := store.GetAction(ctx, action.UserID, id)
		require.NoError(t, err)
		assert.True(t, stored.CreateTransfer.Submitted)
		assert.Equal(t, action.Version+1, stored.Version)
	})

	t.Run("Stale Observation Fails", func(t *testing.T) {
		store, action := setup(t)

		updated := *action
		_, err := store.ReplaceAction(ctx, action, &updated)
		require.NoError(t, err)

		// The first replacement bumped the version; the original
		// observation is now stale.
		_, err = store.ReplaceAction(ctx, action, &updated)
		assert.ErrorIs(t, err, storage.ErrRecordDoesNotExist)
	})

	t.Run("Delete", func(t *testing.T) {
		store, action := setup(t)

		id, err := store.ReplaceAction(ctx, action, nil)
		require.NoError(t, err)
		assert.Zero(t, id)

		_, err = store.GetAction(ctx, action.UserID, action.ActionID)
		assert.ErrorIs(t, err, storage.ErrRecordDoesNotExist)
	})

	t.Run("Delete Of Resolved Action Fails", func(t *testing.T) {
		store, action := setup(t)

		_, err := store.ReplaceAction(ctx, action, nil)
		require.NoError(t, err)
		_, err = store.ReplaceAction(ctx, action, nil)
		assert.ErrorIs(t, err, storage.ErrRecordDoesNotExist)
	})

	t.Run("Zero Id Reinserts Under Fresh Id", func(t *testing.T) {
		store, action := setup(t)

		replacement := &models.ActionRecord{
			UserID: action.UserID,
			Type:   models.ActionAbortTransfer,
			AbortTransfer: &models.AbortTransferDetails{
				TransferURI:  "/transfers/1",
				TransferUUID: action.CreateTransfer.TransferUUID,
			},
		}
		id, err := store.ReplaceAction(ctx, action, replacement)
		require.NoError(t, err)
		assert.Greater(t, id, action.ActionID)

		_, err = store.GetAction(ctx, action.UserID, action.ActionID)
		assert.ErrorIs(t, err, storage.ErrRecordDoesNotExist)
		stored, err := store.GetAction(ctx, action.UserID, id)
		require.NoError(t, err)
		assert.Equal(t, models.ActionAbortTransfer, stored.Type)
	})

	t.Run("Different Id Is Rejected", func(t *testing.T) {
		store, action := setup(t)

		replacement := *action
		replacement.ActionID = action.ActionID + 100
		_, err := store.ReplaceAction(ctx, action, &replacement)
		require.Error(t, err)
		assert.NotErrorIs(t, err, storage.ErrRecordDoesNotExist)
	})

	t.Run("Changed User Id Is Rejected", func(t *testing.T) {
		store, action := setup(t)

		replacement := *action
		replacement.UserID = action.UserID + 1
		_, err := store.ReplaceAction(ctx, action, &replacement)
		require.Error(t, err)
		assert.NotErrorIs(t, err, storage.ErrRecordDoesNotExist)
	})
}

func TestCreateTransferRecord(t *testing.T) {
	ctx := context.Background()

	t.Run("Stores Transfer And Deletes Action", func(t *testing.T) {
		store := newTestStore(t)
		userID := installUser(t, store, "swpt:1234")
		id, err := store.CreateAction(ctx, newCreateAction(userID))
		require.NoError(t, err)
		action, err := store.GetAction(ctx, userID, id)
		require.NoError(t, err)

		confirmed := newTransfer(userID, "/transfers/1", baseTime)
		confirmed.TransferUUID = action.CreateTransfer.TransferUUID

		stored, err := store.CreateTransferRecord(ctx, action, confirmed)
		require.NoError(t, err)
		assert.True(t, stored.OriginatesHere)

		_, err = store.GetAction(ctx, userID, id)
		assert.ErrorIs(t, err, storage.ErrRecordDoesNotExist)
		got, err := store.GetTransfer(ctx, userID, "/transfers/1")
		require.NoError(t, err)
		assert.True(t, got.OriginatesHere)
	})

	t.Run("Successful Confirmation Schedules Deletion", func(t *testing.T) {
		store := newTestStore(t)
		userID := installUser(t, store, "swpt:1234")
		id, err := store.CreateAction(ctx, newCreateAction(userID))
		require.NoError(t, err)
		action, err := store.GetAction(ctx, userID, id)
		require.NoError(t, err)

		// The remote side concluded the transfer before we recorded it.
		confirmed := newTransfer(userID, "/transfers/1", baseTime)
		confirmed.TransferUUID = action.CreateTransfer.TransferUUID
		confirmed.Result = &models.TransferResult{
			FinalizedAt:     baseTime.Add(time.Minute),
			CommittedAmount: 500,
		}

		_, err = store.CreateTransferRecord(ctx, action, confirmed)
		require.NoError(t, err)

		tasks, err := store.ListDueTasks(ctx, baseTime.Add(models.TransferRetention+time.Hour))
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, "/transfers/1", tasks[0].TransferURI)
		assert.Equal(t, baseTime.Add(time.Minute).Add(models.TransferRetention), tasks[0].ScheduledFor)

		actions, err := store.ListActions(ctx, userID, storage.ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, actions)
	})

	t.Run("Unsuccessful Confirmation Queues Abort", func(t *testing.T) {
		store := newTestStore(t)
		userID := installUser(t, store, "swpt:1234")
		id, err := store.CreateAction(ctx, newCreateAction(userID))
		require.NoError(t, err)
		action, err := store.GetAction(ctx, userID, id)
		require.NoError(t, err)

		confirmed := newTransfer(userID, "/transfers/1", baseTime)
		confirmed.TransferUUID = action.CreateTransfer.TransferUUID
		confirmed.Result = &models.TransferResult{
			FinalizedAt:     baseTime.Add(time.Minute),
			CommittedAmount: 0,
			ErrorCode:       "TIMEOUT",
		}

		_, err = store.CreateTransferRecord(ctx, action, confirmed)
		require.NoError(t, err)

		actions, err := store.ListActions(ctx, userID, storage.ListOptions{})
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, models.ActionAbortTransfer, actions[0].Type)
		assert.Equal(t, "/transfers/1", actions[0].AbortTransfer.TransferURI)
	})

	t.Run("Pending Confirmation Gets No Consequences", func(t *testing.T) {
		store := newTestStore(t)
		userID := installUser(t, store, "swpt:1234")
		id, err := store.CreateAction(ctx, newCreateAction(userID))
		require.NoError(t, err)
		action, err := store.GetAction(ctx, userID, id)
		require.NoError(t, err)

		confirmed := newTransfer(userID, "/transfers/1", time.Now())
		confirmed.TransferUUID = action.CreateTransfer.TransferUUID

		_, err = store.CreateTransferRecord(ctx, action, confirmed)
		require.NoError(t, err)

		tasks, err := store.ListDueTasks(ctx, time.Now().Add(100*24*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, tasks)
		actions, err := store.ListActions(ctx, userID, storage.ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, actions)
	})

	t.Run("Stale Action Leaves Store Untouched", func(t *testing.T) {
		store := newTestStore(t)
		userID := installUser(t, store, "swpt:1234")
		id, err := store.CreateAction(ctx, newCreateAction(userID))
		require.NoError(t, err)
		action, err := store.GetAction(ctx, userID, id)
		require.NoError(t, err)

		// Concurrently bump the action.
		updated := *action
		_, err = store.ReplaceAction(ctx, action, &updated)
		require.NoError(t, err)

		_, err = store.CreateTransferRecord(ctx, action, newTransfer(userID, "/transfers/1", baseTime))
		assert.ErrorIs(t, err, storage.ErrRecordDoesNotExist)

		_, err = store.GetTransfer(ctx, userID, "/transfers/1")
		assert.ErrorIs(t, err, storage.ErrRecordDoesNotExist)
	})
}

func TestResolveAbortTransfer(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, result *models.TransferResult) (*Store, int64, int64) {
		store := newTestStore(t)
		userID := installUser(t, store, "swpt:1234")
		transfer := newTransfer(userID, "/transfers/1", baseTime)
		transfer.Result = result
		_, err := store.PutTransfer(ctx, transfer)
		require.NoError(t, err)
		actionID, err := store.CreateAction(ctx, &models.ActionRecord{
			UserID: userID,
			Type:   models.ActionAbortTransfer,
			AbortTransfer: &models.AbortTransferDetails{
				TransferURI:  "/transfers/1",
				TransferUUID: transfer.TransferUUID,
			},
		})
		require.NoError(t, err)
		return store, userID, actionID
	}

	t.Run("Marks Aborted And Schedules Deletion", func(t *testing.T) {
		store, userID, actionID := setup(t, nil)

		aborted, err := store.ResolveAbortTransfer(ctx, userID, actionID)
		require.NoError(t, err)
		assert.True(t, aborted.Aborted)

		_, err = store.GetAction(ctx, userID, actionID)
		assert.ErrorIs(t, err, storage.ErrRecordDoesNotExist)

		tasks, err := store.ListDueTasks(ctx, baseTime.Add(models.MinDeletionDelay))
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, "/transfers/1", tasks[0].TransferURI)
		assert.Equal(t, baseTime.Add(models.MinDeletionDelay), tasks[0].ScheduledFor)
	})

	t.Run("Successful Transfer Is Not Aborted", func(t *testing.T) {
		store, userID, actionID := setup(t, &models.TransferResult{
			FinalizedAt:     baseTime.Add(time.Minute),
			CommittedAmount: 500,
		})

		resolved, err := store.ResolveAbortTransfer(ctx, userID, actionID)
		require.NoError(t, err)
		assert.False(t, resolved.Aborted)

		_, err = store.GetAction(ctx, userID, actionID)
		assert.ErrorIs(t, err, storage.ErrRecordDoesNotExist)

		// The transfer survives for the full retention window, not the
		// short post-abort delay.
		tasks, err := store.ListDueTasks(ctx, baseTime.Add(models.TransferRetention+time.Hour))
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, baseTime.Add(time.Minute).Add(models.TransferRetention), tasks[0].ScheduledFor)
	})

	t.Run("Wrong Action Type", func(t *testing.T) {
		store := newTestStore(t)
		userID := installUser(t, store, "swpt:1234")
		actionID, err := store.CreateAction(ctx, newCreateAction(userID))
		require.NoError(t, err)

		_, err = store.ResolveAbortTransfer(ctx, userID, actionID)
		require.Error(t, err)
		assert.NotErrorIs(t, err, storage.ErrRecordDoesNotExist)
	})
}

func TestRetryTransfer(t *testing.T) {
	ctx := context.Background()

	t.Run("Clones Under Fresh UUID", func(t *testing.T) {
		store := newTestStore(t)
		userID := installUser(t, store, "swpt:1234")
		transfer := newTransfer(userID, "/transfers/1", baseTime)
		_, err := store.PutTransfer(ctx, transfer)
		require.NoError(t, err)

		action, err := store.RetryTransfer(ctx, transfer)
		require.NoError(t, err)
		require.Equal(t, models.ActionCreateTransfer, action.Type)
		assert.Equal(t, transfer.Recipient, action.CreateTransfer.Recipient)
		assert.Equal(t, transfer.Amount, action.CreateTransfer.Amount)
		assert.Equal(t, transfer.Note, action.CreateTransfer.Note)
		assert.NotEqual(t, transfer.TransferUUID, action.CreateTransfer.TransferUUID)
	})

	t.Run("Abort Then Retry", func(t *testing.T) {
		store := newTestStore(t)
		userID := installUser(t, store, "swpt:1234")
		transfer := newTransfer(userID, "/transfers/1", baseTime)
		_, err := store.PutTransfer(ctx, transfer)
		require.NoError(t, err)
		actionID, err := store.CreateAction(ctx, &models.ActionRecord{
			UserID: userID,
			Type:   models.ActionAbortTransfer,
			AbortTransfer: &models.AbortTransferDetails{
				TransferURI:  "/transfers/1",
				TransferUUID: transfer.TransferUUID,
			},
		})
		require.NoError(t, err)

		retry, err := store.AbortAndRetryTransfer(ctx, userID, actionID)
		require.NoError(t, err)
		assert.Equal(t, models.ActionCreateTransfer, retry.Type)
		assert.NotEqual(t, transfer.TransferUUID, retry.CreateTransfer.TransferUUID)

		aborted, err := store.GetTransfer(ctx, userID, "/transfers/1")
		require.NoError(t, err)
		assert.True(t, aborted.Aborted)

		tasks, err := store.ListDueTasks(ctx, baseTime.Add(models.MinDeletionDelay))
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, baseTime.Add(models.MinDeletionDelay), tasks[0].ScheduledFor)
	})
}
