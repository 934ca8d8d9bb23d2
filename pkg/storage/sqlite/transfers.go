package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/chris/offline-ledger/pkg/models"
	"github.com/chris/offline-ledger/pkg/storage"
)

const transferColumns = `user_id, uri, transfer_uuid, recipient, amount, note, note_format,
	initiated_at, list_time, finalized_at, committed_amount, error_code, aborted, originates_here`

func scanTransfer(row interface{ Scan(...any) error }) (*models.TransferRecord, error) {
	var (
		t           models.TransferRecord
		uuidStr     string
		initiatedAt int64
		finalizedAt sql.NullInt64
		committed   sql.NullInt64
		errorCode   sql.NullString
	)
	err := row.Scan(&t.UserID, &t.URI, &uuidStr, &t.Recipient, &t.Amount, &t.Note, &t.NoteFormat,
		&initiatedAt, &t.ListTime, &finalizedAt, &committed, &errorCode, &t.Aborted, &t.OriginatesHere)
	if err != nil {
		return nil, err
	}
	t.TransferUUID, err = uuid.Parse(uuidStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse transfer uuid %q: %w", uuidStr, err)
	}
	t.InitiatedAt = microsToTime(initiatedAt)
	if finalizedAt.Valid {
		t.Result = &models.TransferResult{
			FinalizedAt:     microsToTime(finalizedAt.Int64),
			CommittedAmount: committed.Int64,
			ErrorCode:       errorCode.String,
		}
	}
	return &t, nil
}

// GetTransfer retrieves one transfer by its remote URI.
func (q *queries) GetTransfer(ctx context.Context, userID int64, uri string) (*models.TransferRecord, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE user_id = ? AND uri = ?`, userID, uri)
	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrRecordDoesNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer %q: %w", uri, err)
	}
	return t, nil
}

// ListTransfers returns the user's transfers ordered by ListTime.
func (q *queries) ListTransfers(ctx context.Context, userID int64, opts storage.ListOptions) ([]models.TransferRecord, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE user_id = ?`
	args := []any{userID}
	if opts.Before != 0 {
		query += ` AND list_time < ?`
		args = append(args, opts.Before)
	}
	if opts.Reverse {
		query += ` ORDER BY list_time DESC`
	} else {
		query += ` ORDER BY list_time ASC`
	}
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers for user %d: %w", userID, err)
	}
	defer rows.Close()

	var transfers []models.TransferRecord
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		transfers = append(transfers, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list transfers for user %d: %w", userID, err)
	}
	return transfers, nil
}

// PutTransfer inserts or updates a transfer. An existing record keeps its
// local ListTime, Aborted flag, and OriginatesHere flag; a new record
// gets a unique ListTime derived from its initiation time, incremented by
// one microsecond on each collision.
func (q *queries) PutTransfer(ctx context.Context, t *models.TransferRecord) (*models.TransferRecord, error) {
	existing, err := q.GetTransfer(ctx, t.UserID, t.URI)
	if err != nil && !errors.Is(err, storage.ErrRecordDoesNotExist) {
		return nil, err
	}

	stored := *t
	var finalizedAt, committed, errorCode any
	if stored.Result != nil {
		finalizedAt = timeToMicros(stored.Result.FinalizedAt)
		committed = stored.Result.CommittedAmount
		errorCode = stored.Result.ErrorCode
	}

	if existing != nil {
		stored.ListTime = existing.ListTime
		stored.Aborted = existing.Aborted
		stored.OriginatesHere = existing.OriginatesHere
		_, err := q.db.ExecContext(ctx, `
			UPDATE transfers SET transfer_uuid = ?, recipient = ?, amount = ?, note = ?,
				note_format = ?, initiated_at = ?, finalized_at = ?, committed_amount = ?, error_code = ?
			WHERE user_id = ? AND uri = ?
		`, stored.TransferUUID.String(), stored.Recipient, stored.Amount, stored.Note,
			stored.NoteFormat, timeToMicros(stored.InitiatedAt), finalizedAt, committed, errorCode,
			stored.UserID, stored.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to update transfer %q: %w", stored.URI, err)
		}
		return &stored, nil
	}

	if stored.ListTime == 0 {
		stored.ListTime = timeToMicros(stored.InitiatedAt)
	}
	for {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO transfers (`+transferColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, stored.UserID, stored.URI, stored.TransferUUID.String(), stored.Recipient, stored.Amount,
			stored.Note, stored.NoteFormat, timeToMicros(stored.InitiatedAt), stored.ListTime,
			finalizedAt, committed, errorCode, stored.Aborted, stored.OriginatesHere)
		if isListTimeCollision(err) {
			// Another transfer of this user occupies the slot; an
			// integer increment always changes the stored value.
			stored.ListTime++
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to insert transfer %q: %w", stored.URI, err)
		}
		return &stored, nil
	}
}

// isListTimeCollision reports whether err is a UNIQUE violation of the
// transfers_list_time index. Violations of the (user_id, uri) primary
// key are not collisions and must fail the insert instead of retrying.
func isListTimeCollision(err error) bool {
	return isUniqueViolation(err) && strings.Contains(err.Error(), "list_time")
}

// DeleteTransfer removes a transfer row.
func (q *queries) DeleteTransfer(ctx context.Context, userID int64, uri string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM transfers WHERE user_id = ? AND uri = ?`, userID, uri)
	if err != nil {
		return fmt.Errorf("failed to delete transfer %q: %w", uri, err)
	}
	return nil
}

// markTransferAborted sets the local aborted flag. PutTransfer preserves
// the flag, so this is the only write path for it.
func (q *queries) markTransferAborted(ctx context.Context, userID int64, uri string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE transfers SET aborted = 1 WHERE user_id = ? AND uri = ?`, userID, uri)
	if err != nil {
		return fmt.Errorf("failed to mark transfer %q aborted: %w", uri, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrRecordDoesNotExist
	}
	return nil
}
