package repository

import (
	"context"
	"time"

	"github.com/TwistedAndy/actionqueue/internal/domain"
)

// Dispatcher and worker depend on this interface, not the concrete
// postgres implementation, so tests can pass fakes and the backend can
// be swapped without touching either.
type ActionStore interface {
	// InsertBatch writes jobs as PENDING, silently dropping any whose
	// signature collides with a not-yet-completed row created inside
	// the dedupe window. Returns the number actually inserted.
	InsertBatch(ctx context.Context, jobs []*domain.Job) (int, error)

	// ClaimBatch transitions up to limit due PENDING rows to RUNNING
	// and returns them ordered by priority DESC, scheduled_at ASC.
	ClaimBatch(ctx context.Context, limit int) ([]*domain.Job, error)

	// CompleteBatch marks ids COMPLETED and appends a success log row each.
	CompleteBatch(ctx context.Context, ids []int64) error

	// FailBatch marks each id FAILED with its serialised error message
	// as the log row.
	FailBatch(ctx context.Context, failures map[int64]string) error

	// ReleaseBatch flips RUNNING rows back to PENDING without logging.
	ReleaseBatch(ctx context.Context, ids []int64) error

	// RetryStale releases RUNNING rows untouched for longer than
	// timeout, returning how many were recovered.
	RetryStale(ctx context.Context, timeout time.Duration) (int, error)

	// PruneLogs deletes log rows older than the cutoff.
	PruneLogs(ctx context.Context, olderThan time.Duration) (int, error)
}
