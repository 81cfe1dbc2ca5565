package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/TwistedAndy/actionqueue/internal/domain"
	"github.com/TwistedAndy/actionqueue/internal/metrics"
	"github.com/TwistedAndy/actionqueue/internal/registry"
	"github.com/TwistedAndy/actionqueue/internal/repository"
	"github.com/TwistedAndy/actionqueue/internal/schedule"
)

// staleTimeout is the recovery horizon for the opportunistic stale
// retry rolled on request end.
const staleTimeout = time.Hour

// Spawner starts a worker in a fresh execution context. Implementations
// throttle themselves; a suppressed spawn is not an error.
type Spawner interface {
	Spawn(ctx context.Context) error
}

// Dispatcher is the user-facing surface of the queue: it fans out
// instant handlers synchronously, buffers deferred handlers as jobs,
// and drives the request-end flush/spawn protocol.
type Dispatcher struct {
	registry *registry.Registry
	store    repository.ActionStore
	spawner  Spawner
	logger   *slog.Logger

	mu         sync.Mutex
	buffer     []*domain.Job
	hasPending bool

	now  func() time.Time
	roll func(n int) int
}

func New(reg *registry.Registry, store repository.ActionStore, spawner Spawner, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		store:    store,
		spawner:  spawner,
		logger:   logger.With("component", "dispatcher"),
		now:      time.Now,
		roll:     rand.Intn,
	}
}

// Register adds a handler for action. Instant handlers run inside
// Trigger; deferred handlers become persisted jobs.
func (d *Dispatcher) Register(action string, h registry.Handler, priority int, instant bool) error {
	_, err := d.registry.Register(action, h, priority, instant)
	return err
}

// SetClosureCodec enables deferring closure handlers.
func (d *Dispatcher) SetClosureCodec(c registry.ClosureCodec) {
	d.registry.SetClosureCodec(c)
}

// Trigger runs every instant handler for action in ascending priority
// order, then buffers one job per deferred handler. Instant handler
// errors propagate to the caller; nothing is swallowed here.
func (d *Dispatcher) Trigger(ctx context.Context, action string, args ...any) error {
	if err := domain.ValidateActionName(action); err != nil {
		return err
	}

	for _, entry := range d.registry.Instant(action) {
		if err := entry.Handler(ctx, args...); err != nil {
			return fmt.Errorf("instant handler %s: %w", entry.Key, err)
		}
	}

	deferred := d.registry.Deferred(action)
	if len(deferred) == 0 {
		return nil
	}

	payload, err := encodeArgs(args)
	if err != nil {
		return err
	}
	now := d.now().Unix()

	jobs := make([]*domain.Job, 0, len(deferred))
	for _, entry := range deferred {
		job, err := d.buildJob(action, entry.Key, entry.Handler, payload, entry.Priority, now, "")
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
	}

	d.enqueue(jobs)
	return nil
}

// ScheduleOptions carries the explicit schedule of a ScheduleOnce job.
type ScheduleOptions struct {
	Priority    int
	ScheduledAt any
	Recurring   string
}

// ScheduleOnce buffers exactly one job for handler, bypassing the
// registered handler lists. Named handlers must still be registered at
// bootstrap so a later worker can resolve the callback key.
func (d *Dispatcher) ScheduleOnce(ctx context.Context, action string, h registry.Handler, args []any, opts ScheduleOptions) error {
	if err := domain.ValidateActionName(action); err != nil {
		return err
	}

	now := d.now()
	at, err := schedule.ResolveAt(opts.ScheduledAt, now)
	if err != nil {
		return err
	}
	if err := schedule.ValidateRecurring(opts.Recurring, now); err != nil {
		return err
	}

	payload, err := encodeArgs(args)
	if err != nil {
		return err
	}

	job, err := d.buildJob(action, domain.KeyForFunc(h), h, payload, opts.Priority, at, opts.Recurring)
	if err != nil {
		return err
	}

	d.enqueue([]*domain.Job{job})
	return nil
}

func (d *Dispatcher) buildJob(action, key string, h registry.Handler, argsPayload []byte, priority int, scheduledAt int64, recurring string) (*domain.Job, error) {
	payload := argsPayload
	if domain.IsClosureKey(key) {
		boxed, err := registry.PackClosure(d.registry.Codec(), h, argsPayload)
		if err != nil {
			return nil, err
		}
		payload = boxed
	}
	if len(payload) > domain.MaxPayloadLen {
		return nil, domain.ErrPayloadTooLarge
	}

	return &domain.Job{
		Action:      action,
		Callback:    key,
		Payload:     payload,
		Status:      domain.StatusPending,
		Priority:    domain.ClampPriority(priority),
		Recurring:   recurring,
		Signature:   domain.Signature(action, key, payload),
		ScheduledAt: scheduledAt,
	}, nil
}

func (d *Dispatcher) enqueue(jobs []*domain.Job) {
	d.mu.Lock()
	d.buffer = append(d.buffer, jobs...)
	d.hasPending = true
	d.mu.Unlock()
	metrics.JobsBufferedTotal.Add(float64(len(jobs)))
}

// HasPendingJobs reports whether deferred work exists that a worker
// has not yet been spawned for.
func (d *Dispatcher) HasPendingJobs() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasPending || len(d.buffer) > 0
}

// Flush writes the buffered jobs through the store, which applies
// signature dedupe. Jobs that fail to insert are dropped with the
// error propagated; re-buffering would duplicate instant side effects.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.Lock()
	jobs := d.buffer
	d.buffer = nil
	d.mu.Unlock()

	if len(jobs) == 0 {
		return nil
	}

	inserted, err := d.store.InsertBatch(ctx, jobs)
	if err != nil {
		return fmt.Errorf("flush %d jobs: %w", len(jobs), err)
	}
	metrics.JobsInsertedTotal.Add(float64(inserted))
	if dropped := len(jobs) - inserted; dropped > 0 {
		d.logger.Debug("deduped buffered jobs", "dropped", dropped)
	}
	return nil
}

// RequestEnd is the request-ended signal from the host. It
// opportunistically recovers stale jobs, flushes the buffer, and asks
// the spawner for a worker if pending work exists. Operational errors
// are logged, never returned: a bad flush must not fail the response
// that already went out.
func (d *Dispatcher) RequestEnd(ctx context.Context) {
	if d.roll(100) == 0 {
		if n, err := d.store.RetryStale(ctx, staleTimeout); err != nil {
			d.logger.Warn("stale retry failed", "error", err)
		} else if n > 0 {
			metrics.StaleRecoveredTotal.Add(float64(n))
			d.logger.Info("recovered stale jobs", "count", n)
		}
	}

	if !d.HasPendingJobs() {
		return
	}

	if err := d.Flush(ctx); err != nil {
		d.logger.Error("flush on request end failed", "error", err)
		return
	}

	if err := d.spawner.Spawn(ctx); err != nil {
		d.logger.Warn("worker spawn failed", "error", err)
		return
	}

	d.mu.Lock()
	d.hasPending = false
	d.mu.Unlock()
}

func encodeArgs(args []any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("serialise arguments: %w", err)
	}
	if len(payload) > domain.MaxPayloadLen {
		return nil, domain.ErrPayloadTooLarge
	}
	return payload, nil
}
