package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/TwistedAndy/actionqueue/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const completedMessage = "Action completed successfully"

type ActionRepository struct {
	pool *pgxpool.Pool
	lock string
}

// NewActionRepository probes the server version once so the claim
// query can carry the strongest locking clause the backend supports.
func NewActionRepository(ctx context.Context, pool *pgxpool.Pool) (*ActionRepository, error) {
	var raw string
	if err := pool.QueryRow(ctx, `SHOW server_version_num`).Scan(&raw); err != nil {
		return nil, fmt.Errorf("probe server version: %w", err)
	}
	var version int
	_, _ = fmt.Sscanf(raw, "%d", &version)
	return &ActionRepository{pool: pool, lock: lockingClause(version)}, nil
}

// lockingClause picks the row-lock hint for the claim query. SKIP
// LOCKED (Postgres ≥ 9.5) lets concurrent workers claim disjoint
// batches without contention; plain FOR UPDATE still serialises
// claimers correctly; with an unknown backend the surrounding
// transaction is the only protection.
func lockingClause(serverVersionNum int) string {
	switch {
	case serverVersionNum >= 90500:
		return "FOR UPDATE SKIP LOCKED"
	case serverVersionNum > 0:
		return "FOR UPDATE"
	default:
		return ""
	}
}

const jobColumns = `id, action, callback, payload, status, priority,
	COALESCE(recurring, ''), signature, scheduled_at, created_at, updated_at`

// pgx.Row and pgx.Rows both implement this.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.Action, &j.Callback, &j.Payload, &j.Status, &j.Priority,
		&j.Recurring, &j.Signature, &j.ScheduledAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan action: %w", err)
	}
	return &j, nil
}

// inTx runs fn inside one transaction with commit-or-rollback on every
// exit path. Begin and commit failures mean the store itself is
// unreachable and are tagged ErrStoreUnavailable.
func (r *ActionRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", domain.ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (r *ActionRepository) InsertBatch(ctx context.Context, jobs []*domain.Job) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}

	now := time.Now().Unix()
	inserted := 0

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		signatures := make([]int64, 0, len(jobs))
		for _, j := range jobs {
			signatures = append(signatures, j.Signature)
		}

		// A signature already present on a not-yet-completed row
		// created inside the window makes the new copy redundant.
		cutoff := now - int64(domain.DedupeWindow.Seconds())
		rows, err := tx.Query(ctx, `
			SELECT signature FROM actions
			WHERE  signature  = ANY($1)
			  AND  status     < $2
			  AND  created_at > $3`,
			signatures, domain.StatusCompleted, cutoff)
		if err != nil {
			return fmt.Errorf("dedupe lookup: %w", err)
		}
		existing := make(map[int64]bool)
		for rows.Next() {
			var sig int64
			if err := rows.Scan(&sig); err != nil {
				rows.Close()
				return fmt.Errorf("scan signature: %w", err)
			}
			existing[sig] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("dedupe lookup: %w", err)
		}

		for _, j := range jobs {
			if existing[j.Signature] {
				continue
			}
			var recurring *string
			if j.Recurring != "" {
				recurring = &j.Recurring
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO actions (action, callback, payload, status, priority,
				                     recurring, signature, scheduled_at, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				j.Action, j.Callback, j.Payload, domain.StatusPending,
				domain.ClampPriority(j.Priority), recurring, j.Signature,
				j.ScheduledAt, now)
			if err != nil {
				return fmt.Errorf("insert action: %w", err)
			}
			// Jobs inserted in one batch dedupe against each other too.
			existing[j.Signature] = true
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (r *ActionRepository) ClaimBatch(ctx context.Context, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	now := time.Now().Unix()
	var jobs []*domain.Job

	// Select-then-update instead of UPDATE..RETURNING: the claim order
	// (priority DESC, scheduled_at ASC) must survive into the returned
	// slice, and RETURNING does not preserve the subquery's ORDER BY.
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		query := fmt.Sprintf(`
			SELECT %s FROM actions
			WHERE  status       = $1
			  AND  scheduled_at <= $2
			ORDER BY priority DESC, scheduled_at ASC
			LIMIT $3 %s`, jobColumns, r.lock)

		rows, err := tx.Query(ctx, query, domain.StatusPending, now, limit)
		if err != nil {
			return fmt.Errorf("select claimable: %w", err)
		}
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return err
			}
			jobs = append(jobs, j)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("select claimable: %w", err)
		}
		if len(jobs) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(jobs))
		for _, j := range jobs {
			ids = append(ids, j.ID)
		}
		_, err = tx.Exec(ctx, `
			UPDATE actions
			SET    status = $1, updated_at = $2
			WHERE  id = ANY($3)`,
			domain.StatusRunning, now, ids)
		if err != nil {
			return fmt.Errorf("mark running: %w", err)
		}
		for _, j := range jobs {
			j.Status = domain.StatusRunning
			ts := now
			j.UpdatedAt = &ts
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *ActionRepository) CompleteBatch(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	now := time.Now().Unix()
	return r.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE actions
			SET    status = $1, updated_at = $2
			WHERE  id = ANY($3)`,
			domain.StatusCompleted, now, ids)
		if err != nil {
			return fmt.Errorf("complete actions: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO action_logs (action_id, status, message, created_at)
			SELECT unnest($1::bigint[]), $2, $3, $4`,
			ids, domain.StatusCompleted, completedMessage, now)
		if err != nil {
			return fmt.Errorf("log completions: %w", err)
		}
		return nil
	})
}

func (r *ActionRepository) FailBatch(ctx context.Context, failures map[int64]string) error {
	if len(failures) == 0 {
		return nil
	}

	now := time.Now().Unix()
	return r.inTx(ctx, func(tx pgx.Tx) error {
		for id, message := range failures {
			_, err := tx.Exec(ctx, `
				UPDATE actions
				SET    status = $1, updated_at = $2
				WHERE  id = $3`,
				domain.StatusFailed, now, id)
			if err != nil {
				return fmt.Errorf("fail action %d: %w", id, err)
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO action_logs (action_id, status, message, created_at)
				VALUES ($1, $2, $3, $4)`,
				id, domain.StatusFailed, message, now)
			if err != nil {
				return fmt.Errorf("log failure %d: %w", id, err)
			}
		}
		return nil
	})
}

func (r *ActionRepository) ReleaseBatch(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	now := time.Now().Unix()
	return r.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE actions
			SET    status = $1, updated_at = $2
			WHERE  id = ANY($3) AND status = $4`,
			domain.StatusPending, now, ids, domain.StatusRunning)
		if err != nil {
			return fmt.Errorf("release actions: %w", err)
		}
		return nil
	})
}

func (r *ActionRepository) RetryStale(ctx context.Context, timeout time.Duration) (int, error) {
	now := time.Now().Unix()
	cutoff := now - int64(timeout.Seconds())

	var recovered int
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE actions
			SET    status = $1, updated_at = $2
			WHERE  status = $3 AND updated_at < $4`,
			domain.StatusPending, now, domain.StatusRunning, cutoff)
		if err != nil {
			return fmt.Errorf("retry stale: %w", err)
		}
		recovered = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return recovered, nil
}

func (r *ActionRepository) PruneLogs(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM action_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune logs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
