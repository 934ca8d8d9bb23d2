package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chris/offline-ledger/pkg/models"
	"github.com/chris/offline-ledger/pkg/storage"
)

func marshalActionDetails(a *models.ActionRecord) (string, error) {
	if err := a.Validate(); err != nil {
		return "", err
	}
	var (
		raw []byte
		err error
	)
	switch a.Type {
	case models.ActionUpdateConfig:
		raw, err = json.Marshal(a.UpdateConfig)
	case models.ActionCreateTransfer:
		raw, err = json.Marshal(a.CreateTransfer)
	case models.ActionAbortTransfer:
		raw, err = json.Marshal(a.AbortTransfer)
	}
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s details: %w", a.Type, err)
	}
	return string(raw), nil
}

func unmarshalActionDetails(a *models.ActionRecord, details string) error {
	var err error
	switch a.Type {
	case models.ActionUpdateConfig:
		a.UpdateConfig = &models.UpdateConfigDetails{}
		err = json.Unmarshal([]byte(details), a.UpdateConfig)
	case models.ActionCreateTransfer:
		a.CreateTransfer = &models.CreateTransferDetails{}
		err = json.Unmarshal([]byte(details), a.CreateTransfer)
	case models.ActionAbortTransfer:
		a.AbortTransfer = &models.AbortTransferDetails{}
		err = json.Unmarshal([]byte(details), a.AbortTransfer)
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to unmarshal %s details: %w", a.Type, err)
	}
	return nil
}

func scanAction(row interface{ Scan(...any) error }) (*models.ActionRecord, error) {
	var (
		a         models.ActionRecord
		createdAt int64
		details   string
	)
	err := row.Scan(&a.ActionID, &a.UserID, &a.Type, &a.Version, &createdAt, &details)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = microsToTime(createdAt)
	if err := unmarshalActionDetails(&a, details); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAction retrieves one pending action by id.
func (q *queries) GetAction(ctx context.Context, userID, actionID int64) (*models.ActionRecord, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT action_id, user_id, action_type, version, created_at, details
		FROM actions WHERE user_id = ? AND action_id = ?
	`, userID, actionID)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrRecordDoesNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action %d: %w", actionID, err)
	}
	return a, nil
}

// ListActions returns the user's pending actions ordered by queue
// position.
func (q *queries) ListActions(ctx context.Context, userID int64, opts storage.ListOptions) ([]models.ActionRecord, error) {
	query := `SELECT action_id, user_id, action_type, version, created_at, details
		FROM actions WHERE user_id = ?`
	args := []any{userID}
	if opts.Before != 0 {
		query += ` AND action_id < ?`
		args = append(args, opts.Before)
	}
	if opts.Reverse {
		query += ` ORDER BY action_id DESC`
	} else {
		query += ` ORDER BY action_id ASC`
	}
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions for user %d: %w", userID, err)
	}
	defer rows.Close()

	var actions []models.ActionRecord
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list actions for user %d: %w", userID, err)
	}
	return actions, nil
}

// CreateAction appends a new action to the queue.
func (q *queries) CreateAction(ctx context.Context, a *models.ActionRecord) (int64, error) {
	details, err := marshalActionDetails(a)
	if err != nil {
		return 0, err
	}

	exists, err := q.userExists(ctx, a.UserID)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("user %d is not installed: %w", a.UserID, storage.ErrRecordDoesNotExist)
	}

	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO actions (user_id, action_type, version, created_at, details)
		VALUES (?, ?, 1, ?, ?)
	`, a.UserID, a.Type, timeToMicros(createdAt), details)
	if err != nil {
		return 0, fmt.Errorf("failed to create action: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read new action id: %w", err)
	}
	return id, nil
}

// ReplaceAction performs a compare-and-swap mutation of the queue: the
// stored row must still carry the observed version, otherwise
// ErrRecordDoesNotExist is returned and nothing changes.
func (q *queries) ReplaceAction(ctx context.Context, observed, replacement *models.ActionRecord) (int64, error) {
	if observed == nil || observed.ActionID == 0 {
		return 0, fmt.Errorf("observed action must carry an id")
	}

	if replacement == nil {
		res, err := q.db.ExecContext(ctx, `
			DELETE FROM actions WHERE action_id = ? AND user_id = ? AND version = ?
		`, observed.ActionID, observed.UserID, observed.Version)
		if err != nil {
			return 0, fmt.Errorf("failed to delete action %d: %w", observed.ActionID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return 0, storage.ErrRecordDoesNotExist
		}
		return 0, nil
	}

	if replacement.UserID != observed.UserID {
		return 0, fmt.Errorf("cannot change the user id of action %d", observed.ActionID)
	}
	if replacement.ActionID != 0 && replacement.ActionID != observed.ActionID {
		return 0, fmt.Errorf("cannot change the id of action %d to %d", observed.ActionID, replacement.ActionID)
	}
	details, err := marshalActionDetails(replacement)
	if err != nil {
		return 0, err
	}

	if replacement.ActionID == observed.ActionID {
		res, err := q.db.ExecContext(ctx, `
			UPDATE actions SET action_type = ?, details = ?, version = version + 1
			WHERE action_id = ? AND user_id = ? AND version = ?
		`, replacement.Type, details, observed.ActionID, observed.UserID, observed.Version)
		if err != nil {
			return 0, fmt.Errorf("failed to replace action %d: %w", observed.ActionID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return 0, storage.ErrRecordDoesNotExist
		}
		return observed.ActionID, nil
	}

	// Zero id: delete the observed row and reinsert under a fresh id,
	// moving the action to the back of the queue.
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM actions WHERE action_id = ? AND user_id = ? AND version = ?
	`, observed.ActionID, observed.UserID, observed.Version)
	if err != nil {
		return 0, fmt.Errorf("failed to delete action %d: %w", observed.ActionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return 0, storage.ErrRecordDoesNotExist
	}
	return q.CreateAction(ctx, replacement)
}

// ReplaceAction on the store wraps the delete-then-reinsert form in one
// transaction so a crash between the two statements cannot lose the
// action.
func (s *Store) ReplaceAction(ctx context.Context, observed, replacement *models.ActionRecord) (int64, error) {
	var id int64
	err := s.transact(ctx, func(q *queries) error {
		var err error
		id, err = q.ReplaceAction(ctx, observed, replacement)
		return err
	})
	return id, err
}

// CreateTransferRecord atomically validates the observed CreateTransfer
// action, stores the confirmed transfer, and deletes the action.
func (s *Store) CreateTransferRecord(ctx context.Context, observed *models.ActionRecord, transfer *models.TransferRecord) (*models.TransferRecord, error) {
	if observed.Type != models.ActionCreateTransfer {
		return nil, fmt.Errorf("action %d is not a CreateTransfer action", observed.ActionID)
	}

	var stored *models.TransferRecord
	err := s.transact(ctx, func(q *queries) error {
		current, err := q.GetAction(ctx, observed.UserID, observed.ActionID)
		if err != nil {
			return err
		}
		if current.Version != observed.Version {
			return storage.ErrRecordDoesNotExist
		}

		existing, err := q.GetTransfer(ctx, observed.UserID, transfer.URI)
		if err != nil && !errors.Is(err, storage.ErrRecordDoesNotExist) {
			return err
		}

		rec := *transfer
		rec.OriginatesHere = true
		stored, err = q.PutTransfer(ctx, &rec)
		if err != nil {
			return err
		}

		if _, err := q.ReplaceAction(ctx, current, nil); err != nil {
			return err
		}

		// A transfer already mirrored by reconciliation had its
		// consequences derived there.
		if existing == nil {
			return q.deriveTransferConsequences(ctx, stored, time.Now())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// deriveTransferConsequences applies the classification consequences of
// a newly stored transfer: a successful one gets its retention deletion
// task, a delayed or unsuccessful one gets exactly one AbortTransfer
// action, a waiting one gets nothing yet.
func (q *queries) deriveTransferConsequences(ctx context.Context, t *models.TransferRecord, now time.Time) error {
	switch t.Status(now) {
	case models.WAITING:
		return nil
	case models.SUCCESSFUL:
		return q.ScheduleTransferDeletion(ctx, t.UserID, t.URI,
			t.Result.FinalizedAt.Add(models.TransferRetention))
	}

	actions, err := q.ListActions(ctx, t.UserID, storage.ListOptions{})
	if err != nil {
		return err
	}
	for i := range actions {
		a := &actions[i]
		if a.Type == models.ActionAbortTransfer && a.AbortTransfer.TransferURI == t.URI {
			return nil
		}
	}
	_, err = q.CreateAction(ctx, &models.ActionRecord{
		UserID: t.UserID,
		Type:   models.ActionAbortTransfer,
		AbortTransfer: &models.AbortTransferDetails{
			TransferURI:  t.URI,
			TransferUUID: t.TransferUUID,
		},
	})
	return err
}

// ResolveAbortTransfer marks the referenced transfer aborted (unless it
// concluded successfully in the meantime), schedules its deletion task,
// and deletes the action, atomically.
func (s *Store) ResolveAbortTransfer(ctx context.Context, userID, actionID int64) (*models.TransferRecord, error) {
	var aborted *models.TransferRecord
	err := s.transact(ctx, func(q *queries) error {
		var err error
		aborted, err = q.resolveAbortTransfer(ctx, userID, actionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return aborted, nil
}

func (q *queries) resolveAbortTransfer(ctx context.Context, userID, actionID int64) (*models.TransferRecord, error) {
	a, err := q.GetAction(ctx, userID, actionID)
	if err != nil {
		return nil, err
	}
	if a.Type != models.ActionAbortTransfer {
		return nil, fmt.Errorf("action %d is not an AbortTransfer action", actionID)
	}

	t, err := q.GetTransfer(ctx, userID, a.AbortTransfer.TransferURI)
	if err != nil {
		// A vanished transfer is retired by the next reconciliation
		// pass; the caller treats this as already resolved.
		return nil, err
	}

	if t.Status(time.Now()) == models.SUCCESSFUL {
		// Concluded successfully in the meantime; keep it for the full
		// retention window.
		if err := q.ScheduleTransferDeletion(ctx, userID, t.URI, t.Result.FinalizedAt.Add(models.TransferRetention)); err != nil {
			return nil, err
		}
	} else {
		if err := q.markTransferAborted(ctx, userID, t.URI); err != nil {
			return nil, err
		}
		t.Aborted = true
		if err := q.ScheduleTransferDeletion(ctx, userID, t.URI, t.InitiatedAt.Add(models.MinDeletionDelay)); err != nil {
			return nil, err
		}
	}
	if _, err := q.ReplaceAction(ctx, a, nil); err != nil {
		return nil, err
	}
	return t, nil
}

// RetryTransfer creates a fresh CreateTransfer action cloning a prior
// transfer under a newly generated client UUID.
func (s *Store) RetryTransfer(ctx context.Context, transfer *models.TransferRecord) (*models.ActionRecord, error) {
	var created *models.ActionRecord
	err := s.transact(ctx, func(q *queries) error {
		var err error
		created, err = q.retryTransfer(ctx, transfer)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (q *queries) retryTransfer(ctx context.Context, t *models.TransferRecord) (*models.ActionRecord, error) {
	a := &models.ActionRecord{
		UserID: t.UserID,
		Type:   models.ActionCreateTransfer,
		CreateTransfer: &models.CreateTransferDetails{
			TransferUUID: uuid.New(),
			Recipient:    t.Recipient,
			Amount:       t.Amount,
			Note:         t.Note,
			NoteFormat:   t.NoteFormat,
		},
	}
	id, err := q.CreateAction(ctx, a)
	if err != nil {
		return nil, err
	}
	return q.GetAction(ctx, t.UserID, id)
}

// AbortAndRetryTransfer aborts the transfer referenced by the
// AbortTransfer action, then creates a retry action for it, atomically.
func (s *Store) AbortAndRetryTransfer(ctx context.Context, userID, actionID int64) (*models.ActionRecord, error) {
	var created *models.ActionRecord
	err := s.transact(ctx, func(q *queries) error {
		t, err := q.resolveAbortTransfer(ctx, userID, actionID)
		if err != nil {
			return err
		}
		created, err = q.retryTransfer(ctx, t)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}
