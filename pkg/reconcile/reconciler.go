// Package reconcile merges freshly fetched remote snapshots into the
// durable store without discarding any locally pending user intent.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chris/offline-ledger/pkg/models"
	"github.com/chris/offline-ledger/pkg/remote"
	"github.com/chris/offline-ledger/pkg/storage"
)

// Reconciler applies remote snapshots to the local mirror and derives or
// retires pending-action and task entries.
type Reconciler struct {
	store   storage.Storage
	fetcher remote.Fetcher
	log     *slog.Logger
	now     func() time.Time
}

// New creates a Reconciler. The clock is injectable for tests.
func New(store storage.Storage, fetcher remote.Fetcher, log *slog.Logger) *Reconciler {
	return &Reconciler{store: store, fetcher: fetcher, log: log, now: time.Now}
}

// WithClock overrides the reconciler's clock.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Refresh fetches the remote snapshot and merges it. Session and
// authentication failures are logged and swallowed: the pass never opens
// a transaction and the next scheduled refresh retries on its own
// cadence.
func (r *Reconciler) Refresh(ctx context.Context) error {
	snap, err := r.fetcher.FetchUserSnapshot(ctx)
	if err != nil {
		if errors.Is(err, remote.ErrSession) || errors.Is(err, remote.ErrAuthentication) {
			r.log.Warn("refresh skipped", "error", err)
			return nil
		}
		return fmt.Errorf("failed to fetch snapshot: %w", err)
	}

	_, err = r.StoreUserData(ctx, snap)
	return err
}

// StoreUserData merges a fetched snapshot into the store, installing the
// remote identity if necessary, and returns the local user id.
// Re-applying an unchanged snapshot is idempotent: the same user id comes
// back and only idempotent upserts happen.
func (r *Reconciler) StoreUserData(ctx context.Context, snap *remote.Snapshot) (int64, error) {
	userID, err := r.store.GetUserID(ctx, snap.Debtor.Identity)
	if errors.Is(err, storage.ErrRecordDoesNotExist) {
		userID, err = r.store.CreateUser(ctx, snap.Debtor.Identity)
	}
	if err != nil {
		return 0, err
	}

	err = r.store.Transact(ctx, func(tx storage.Tx) error {
		return r.merge(ctx, tx, userID, snap)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to merge snapshot for user %d: %w", userID, err)
	}
	return userID, nil
}

func (r *Reconciler) merge(ctx context.Context, tx storage.Tx, userID int64, snap *remote.Snapshot) error {
	now := r.now()

	// The debtor profile carries no local state: always overwritten.
	if err := tx.PutDebtor(ctx, &models.DebtorRecord{
		UserID:           userID,
		Identity:         snap.Debtor.Identity,
		Balance:          snap.Debtor.Balance,
		BalanceTimestamp: snap.Debtor.BalanceTimestamp,
		MinBalance:       snap.Debtor.MinBalance,
		InterestRate:     snap.Debtor.InterestRate,
		ConfigURI:        snap.Debtor.Config.URI,
	}); err != nil {
		return err
	}

	if err := r.mergeConfig(ctx, tx, userID, snap); err != nil {
		return err
	}

	actions, err := tx.ListActions(ctx, userID, storage.ListOptions{})
	if err != nil {
		return err
	}

	fetched := make(map[string]*remote.Transfer, len(snap.Transfers))
	for i := range snap.Transfers {
		fetched[snap.Transfers[i].URI] = &snap.Transfers[i]
	}

	// Retire abort actions whose target no longer exists remotely, and
	// index the surviving ones so step four never duplicates them.
	abortsByURI := make(map[string]bool)
	createsByUUID := make(map[string]*models.ActionRecord)
	for i := range actions {
		a := &actions[i]
		switch a.Type {
		case models.ActionAbortTransfer:
			if _, ok := fetched[a.AbortTransfer.TransferURI]; !ok {
				if _, err := tx.ReplaceAction(ctx, a, nil); err != nil {
					return err
				}
				continue
			}
			abortsByURI[a.AbortTransfer.TransferURI] = true
		case models.ActionCreateTransfer:
			createsByUUID[a.CreateTransfer.TransferUUID.String()] = a
		case models.ActionUpdateConfig:
			// Resolved by its own round trip, not by reconciliation.
		}
	}

	for _, t := range snap.Transfers {
		if err := r.mergeTransfer(ctx, tx, userID, &t, now, abortsByURI, createsByUUID); err != nil {
			return err
		}
	}
	return nil
}

// mergeConfig replaces the stored config only when the fetched version
// has not fallen behind, keeping the stored version monotone. The
// document is replaced only on a strict advance.
func (r *Reconciler) mergeConfig(ctx context.Context, tx storage.Tx, userID int64, snap *remote.Snapshot) error {
	fetched := snap.Debtor.Config
	stored, err := tx.GetConfig(ctx, userID)
	if err != nil && !errors.Is(err, storage.ErrRecordDoesNotExist) {
		return err
	}

	if stored != nil && fetched.LatestUpdateID < stored.LatestUpdateID {
		return nil
	}

	if err := tx.PutConfig(ctx, &models.ConfigRecord{
		UserID:         userID,
		URI:            fetched.URI,
		LatestUpdateID: fetched.LatestUpdateID,
		ConfigData:     fetched.ConfigData,
		DocumentURI:    fetched.DocumentURI,
	}); err != nil {
		return err
	}

	if stored != nil && fetched.LatestUpdateID == stored.LatestUpdateID {
		return nil
	}
	if snap.Document != nil {
		return tx.PutDocument(ctx, &models.DocumentRecord{
			UserID:      userID,
			URI:         snap.Document.URI,
			ContentType: snap.Document.ContentType,
			Content:     snap.Document.Content,
		})
	}
	return tx.DeleteDocument(ctx, userID)
}

func (r *Reconciler) mergeTransfer(
	ctx context.Context,
	tx storage.Tx,
	userID int64,
	t *remote.Transfer,
	now time.Time,
	abortsByURI map[string]bool,
	createsByUUID map[string]*models.ActionRecord,
) error {
	existing, err := tx.GetTransfer(ctx, userID, t.URI)
	if err != nil && !errors.Is(err, storage.ErrRecordDoesNotExist) {
		return err
	}
	if existing != nil && existing.Concluded() {
		return nil
	}

	rec := &models.TransferRecord{
		UserID:       userID,
		URI:          t.URI,
		TransferUUID: t.TransferUUID,
		Recipient:    t.Recipient,
		Amount:       t.Amount,
		Note:         t.Note,
		NoteFormat:   t.NoteFormat,
		InitiatedAt:  t.InitiatedAt,
	}
	if t.Result != nil {
		rec.Result = &models.TransferResult{
			FinalizedAt:     t.Result.FinalizedAt,
			CommittedAmount: t.Result.CommittedAmount,
			ErrorCode:       t.Result.ErrorCode,
		}
	}

	status := rec.Status(now)
	if status == models.WAITING {
		// Nothing to do yet; classification may change once more data
		// arrives.
		return nil
	}

	stored, err := tx.PutTransfer(ctx, rec)
	if err != nil {
		return err
	}

	// A brand-new record may confirm a pending CreateTransfer action
	// that crashed between submit and recording completion.
	if existing == nil {
		if a, ok := createsByUUID[t.TransferUUID.String()]; ok && a.CreateTransfer.TransferURI == "" {
			updated := *a
			details := *a.CreateTransfer
			details.Submitted = true
			details.TransferURI = t.URI
			updated.CreateTransfer = &details
			if _, err := tx.ReplaceAction(ctx, a, &updated); err != nil {
				return err
			}
		}
	}

	switch status {
	case models.SUCCESSFUL:
		return tx.ScheduleTransferDeletion(ctx, userID, stored.URI,
			stored.Result.FinalizedAt.Add(models.TransferRetention))
	default:
		// Delayed and unsuccessful transfers each get exactly one
		// pending abort action.
		if abortsByURI[stored.URI] {
			return nil
		}
		abortsByURI[stored.URI] = true
		_, err := tx.CreateAction(ctx, &models.ActionRecord{
			UserID: userID,
			Type:   models.ActionAbortTransfer,
			AbortTransfer: &models.AbortTransferDetails{
				TransferURI:  stored.URI,
				TransferUUID: stored.TransferUUID,
			},
		})
		return err
	}
}

// SweepTasks consumes every due housekeeping task, deleting the
// concluded transfer and the task together. One failing task does not
// stop the sweep.
func (r *Reconciler) SweepTasks(ctx context.Context) error {
	due, err := r.store.ListDueTasks(ctx, r.now())
	if err != nil {
		return err
	}

	for _, task := range due {
		task := task
		err := r.store.Transact(ctx, func(tx storage.Tx) error {
			switch task.Type {
			case models.TaskDeleteTransfer:
				if err := tx.DeleteTransfer(ctx, task.UserID, task.TransferURI); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown task type %q", task.Type)
			}
			return tx.DeleteTask(ctx, task.UserID, task.TaskID)
		})
		if err != nil {
			r.log.Error("task sweep failed", "task_id", task.TaskID, "error", err)
			continue
		}
	}
	return nil
}
