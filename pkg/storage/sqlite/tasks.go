package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/chris/offline-ledger/pkg/models"
	"github.com/chris/offline-ledger/pkg/storage"
)

// ScheduleTransferDeletion schedules the deferred deletion of a
// transfer. The UNIQUE constraint on (user_id, task_type, transfer_uri)
// makes a repeated schedule a no-op, so a concluded transfer ends up with
// exactly one deletion task.
func (q *queries) ScheduleTransferDeletion(ctx context.Context, userID int64, transferURI string, at time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO tasks (user_id, task_type, transfer_uri, scheduled_for)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, task_type, transfer_uri) DO NOTHING
	`, userID, models.TaskDeleteTransfer, transferURI, timeToMicros(at))
	if err != nil {
		return fmt.Errorf("failed to schedule deletion of transfer %q: %w", transferURI, err)
	}
	return nil
}

// ListDueTasks returns every task due at or before now, across all
// users, ordered by due time.
func (q *queries) ListDueTasks(ctx context.Context, now time.Time) ([]models.TaskRecord, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT task_id, user_id, task_type, transfer_uri, scheduled_for
		FROM tasks WHERE scheduled_for <= ?
		ORDER BY scheduled_for ASC
	`, timeToMicros(now))
	if err != nil {
		return nil, fmt.Errorf("failed to list due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.TaskRecord
	for rows.Next() {
		var (
			t            models.TaskRecord
			scheduledFor int64
		)
		if err := rows.Scan(&t.TaskID, &t.UserID, &t.Type, &t.TransferURI, &scheduledFor); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.ScheduledFor = microsToTime(scheduledFor)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list due tasks: %w", err)
	}
	return tasks, nil
}

// DeleteTask removes a consumed task.
func (q *queries) DeleteTask(ctx context.Context, userID, taskID int64) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE user_id = ? AND task_id = ?`, userID, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete task %d: %w", taskID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrRecordDoesNotExist
	}
	return nil
}
