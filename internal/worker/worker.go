package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/TwistedAndy/actionqueue/internal/cache"
	"github.com/TwistedAndy/actionqueue/internal/domain"
	"github.com/TwistedAndy/actionqueue/internal/metrics"
	"github.com/TwistedAndy/actionqueue/internal/registry"
	"github.com/TwistedAndy/actionqueue/internal/repository"
	"github.com/TwistedAndy/actionqueue/internal/requestid"
	"github.com/TwistedAndy/actionqueue/internal/schedule"
)

// retryCacheKey throttles stale recovery to once per batch timeout.
const retryCacheKey = "actions_retry"

type Config struct {
	BatchSize    int
	BatchTimeout time.Duration
	SoftDeadline time.Duration
}

// Worker pulls batches of due jobs from the store and executes them
// through the registry. One Worker instance is single-threaded through
// its batch loop; parallelism comes from concurrent worker requests
// claiming disjoint batches.
type Worker struct {
	store    repository.ActionStore
	registry *registry.Registry
	cache    cache.Cache
	logger   *slog.Logger
	cfg      Config

	now func() time.Time
}

func New(store repository.ActionStore, reg *registry.Registry, c cache.Cache, logger *slog.Logger, cfg Config) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 2 * time.Hour
	}
	if cfg.SoftDeadline <= 0 {
		cfg.SoftDeadline = 1795 * time.Second
	}
	return &Worker{
		store:    store,
		registry: reg,
		cache:    c,
		logger:   logger.With("component", "worker"),
		cfg:      cfg,
		now:      time.Now,
	}
}

// RunBatch drains due jobs until the queue is empty or the soft
// deadline passes, releasing any claims it had no time for. A store
// error aborts the pass; claimed-but-unstarted jobs will come back via
// stale recovery.
func (w *Worker) RunBatch(ctx context.Context) error {
	start := w.now()
	w.maybeRetryStale(ctx)

	for w.now().Sub(start) < w.cfg.SoftDeadline {
		jobs, err := w.store.ClaimBatch(ctx, w.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("claim batch: %w", err)
		}
		metrics.BatchClaimed.Observe(float64(len(jobs)))
		if len(jobs) == 0 {
			return nil
		}

		for i, job := range jobs {
			if w.now().Sub(start) >= w.cfg.SoftDeadline {
				return w.release(ctx, jobs[i:])
			}
			w.runJob(ctx, job)
		}
	}
	return nil
}

func (w *Worker) release(ctx context.Context, jobs []*domain.Job) error {
	ids := make([]int64, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	if err := w.store.ReleaseBatch(ctx, ids); err != nil {
		return fmt.Errorf("release %d jobs: %w", len(ids), err)
	}
	metrics.JobsReleasedTotal.Add(float64(len(ids)))
	w.logger.Info("released jobs at soft deadline", "count", len(ids))
	return nil
}

// maybeRetryStale recovers abandoned RUNNING jobs at most once per
// batch timeout, using the cache entry as the interval lock.
func (w *Worker) maybeRetryStale(ctx context.Context) {
	ok, err := w.cache.SetNX(ctx, retryCacheKey,
		strconv.FormatInt(w.now().Unix(), 10), w.cfg.BatchTimeout)
	if err != nil {
		w.logger.Warn("stale retry throttle", "error", err)
		return
	}
	if !ok {
		return
	}

	n, err := w.store.RetryStale(ctx, w.cfg.BatchTimeout)
	if err != nil {
		w.logger.Warn("stale retry failed", "error", err)
		return
	}
	if n > 0 {
		metrics.StaleRecoveredTotal.Add(float64(n))
		w.logger.Info("recovered stale jobs", "count", n)
	}
}

// runJob executes one claimed job and records the outcome. A handler
// error or panic fails that job only; the batch keeps going.
func (w *Worker) runJob(ctx context.Context, job *domain.Job) {
	ctx = requestid.WithJobID(ctx, job.ID)
	start := w.now()
	err := w.execute(ctx, job)
	metrics.JobDuration.WithLabelValues(job.Action).Observe(w.now().Sub(start).Seconds())

	if err != nil {
		metrics.JobsFinishedTotal.WithLabelValues("failed").Inc()
		w.logger.Warn("job failed", "job_id", job.ID, "action", job.Action, "error", err)
		if ferr := w.store.FailBatch(ctx, map[int64]string{job.ID: failureMessage(err, w.now())}); ferr != nil {
			w.logger.Error("record failure", "job_id", job.ID, "error", ferr)
		}
		return
	}

	metrics.JobsFinishedTotal.WithLabelValues("completed").Inc()
	if cerr := w.store.CompleteBatch(ctx, []int64{job.ID}); cerr != nil {
		w.logger.Error("record completion", "job_id", job.ID, "error", cerr)
		return
	}

	if job.Recurring != "" {
		w.reschedule(ctx, job)
	}
}

func (w *Worker) execute(ctx context.Context, job *domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v\n%s", r, debug.Stack())
		}
	}()

	var handler registry.Handler
	argsPayload := json.RawMessage(job.Payload)

	if domain.IsClosureKey(job.Callback) {
		h, boxedArgs, uerr := registry.UnpackClosure(w.registry.Codec(), job.Payload)
		if uerr != nil {
			return uerr
		}
		handler = h
		argsPayload = boxedArgs
	} else {
		h, ok := w.registry.Lookup(job.Action, job.Callback)
		if !ok {
			return fmt.Errorf("%w: %s on %s", domain.ErrUnknownCallback, job.Callback, job.Action)
		}
		handler = h
	}

	var args []any
	if len(argsPayload) > 0 {
		if uerr := json.Unmarshal(argsPayload, &args); uerr != nil {
			return fmt.Errorf("decode payload: %w", uerr)
		}
	}

	return handler(ctx, args...)
}

// reschedule inserts the next occurrence of a recurring job, anchored
// to the prior scheduled_at so the cadence never drifts. A recurrence
// that cannot produce a future time fails the job.
func (w *Worker) reschedule(ctx context.Context, job *domain.Job) {
	next, err := schedule.NextRun(job.ScheduledAt, job.Recurring, w.now())
	if err != nil {
		w.logger.Warn("reschedule failed", "job_id", job.ID, "recurring", job.Recurring, "error", err)
		if ferr := w.store.FailBatch(ctx, map[int64]string{job.ID: failureMessage(err, w.now())}); ferr != nil {
			w.logger.Error("record reschedule failure", "job_id", job.ID, "error", ferr)
		}
		return
	}

	clone := &domain.Job{
		Action:      job.Action,
		Callback:    job.Callback,
		Payload:     job.Payload,
		Status:      domain.StatusPending,
		Priority:    job.Priority,
		Recurring:   job.Recurring,
		Signature:   job.Signature,
		ScheduledAt: next,
	}
	if _, err := w.store.InsertBatch(ctx, []*domain.Job{clone}); err != nil {
		w.logger.Error("insert recurrence", "job_id", job.ID, "error", err)
	}
}

// failureMessage is the serialised error payload stored in the log row.
func failureMessage(err error, now time.Time) string {
	b, merr := json.Marshal(map[string]any{
		"message": err.Error(),
		"trace":   string(debug.Stack()),
		"time":    now.Unix(),
	})
	if merr != nil {
		return err.Error()
	}
	return string(b)
}
