package storage

import (
	"context"
	"time"

	"github.com/chris/offline-ledger/pkg/models"
)

// TaskStore manages scheduled housekeeping work. Every concluded transfer
// gets exactly one deletion task, no more, no less.
type TaskStore interface {
	// ScheduleTransferDeletion schedules the deferred deletion of a
	// transfer. Scheduling the same transfer twice is a no-op.
	ScheduleTransferDeletion(ctx context.Context, userID int64, transferURI string, at time.Time) error

	// ListDueTasks returns every task whose ScheduledFor is not after
	// now, across all users.
	ListDueTasks(ctx context.Context, now time.Time) ([]models.TaskRecord, error)

	// DeleteTask removes a consumed task.
	DeleteTask(ctx context.Context, userID, taskID int64) error
}
