package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TwistedAndy/actionqueue/internal/domain"
	"github.com/TwistedAndy/actionqueue/internal/registry"
)

// ---- fakes ----

type fakeStore struct {
	mu       sync.Mutex
	batches  [][]*domain.Job
	inserted []*domain.Job
	complete []int64
	failed   map[int64]string
	released []int64
	stale    int
}

func newFakeStore(batches ...[]*domain.Job) *fakeStore {
	return &fakeStore{batches: batches, failed: make(map[int64]string)}
}

func (s *fakeStore) ClaimBatch(_ context.Context, _ int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		return nil, nil
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch, nil
}

func (s *fakeStore) InsertBatch(_ context.Context, jobs []*domain.Job) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, jobs...)
	return len(jobs), nil
}

func (s *fakeStore) CompleteBatch(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.complete = append(s.complete, ids...)
	return nil
}

func (s *fakeStore) FailBatch(_ context.Context, failures map[int64]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, msg := range failures {
		s.failed[id] = msg
	}
	return nil
}

func (s *fakeStore) ReleaseBatch(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, ids...)
	return nil
}

func (s *fakeStore) RetryStale(_ context.Context, _ time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stale++
	return 0, nil
}

func (s *fakeStore) PruneLogs(context.Context, time.Duration) (int, error) { return 0, nil }

type fakeCache struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (c *fakeCache) SetNX(_ context.Context, key, _ string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keys == nil {
		c.keys = make(map[string]bool)
	}
	if c.keys[key] {
		return false, nil
	}
	c.keys[key] = true
	return true, nil
}

func job(id int64, action, callback string, args ...any) *domain.Job {
	payload, _ := json.Marshal(args)
	return &domain.Job{
		ID:          id,
		Action:      action,
		Callback:    callback,
		Payload:     payload,
		Status:      domain.StatusRunning,
		Priority:    10,
		Signature:   domain.Signature(action, callback, payload),
		ScheduledAt: 1000,
	}
}

func newWorker(store *fakeStore, reg *registry.Registry) *Worker {
	return New(store, reg, &fakeCache{}, slog.Default(), Config{
		BatchSize:    10,
		BatchTimeout: 2 * time.Hour,
		SoftDeadline: time.Hour,
	})
}

// Jobs are resolved by callback key, and only named functions and
// method values get a key other than domain.ClosureKey, so the
// execution tests register those rather than function literals.

type recorder struct {
	mu  sync.Mutex
	got []any
}

func (r *recorder) Handle(_ context.Context, args ...any) error {
	r.mu.Lock()
	r.got = append(r.got, args...)
	r.mu.Unlock()
	return nil
}

func noopHandler(context.Context, ...any) error { return nil }

func failOnBad(_ context.Context, args ...any) error {
	if args[0] == "bad" {
		return errors.New("boom")
	}
	return nil
}

func panicOnBad(_ context.Context, args ...any) error {
	if args[0] == "bad" {
		panic("kaboom")
	}
	return nil
}

// ---- execution ----

func TestRunBatch_CompletesJobs(t *testing.T) {
	reg := registry.New()
	rec := &recorder{}
	key, err := reg.Register("email.send", rec.Handle, 10, false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	store := newFakeStore([]*domain.Job{
		job(1, "email.send", key, "alice"),
		job(2, "email.send", key, "bob"),
	})
	w := newWorker(store, reg)

	if err := w.RunBatch(context.Background()); err != nil {
		t.Fatalf("run batch: %v", err)
	}

	if len(store.complete) != 2 {
		t.Fatalf("expected 2 completions, got %v", store.complete)
	}
	if len(store.failed) != 0 {
		t.Fatalf("unexpected failures: %v", store.failed)
	}
	got := rec.got
	if len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Fatalf("handler saw %v", got)
	}
}

func TestRunBatch_FailureIsolation(t *testing.T) {
	reg := registry.New()
	key, _ := reg.Register("evt", failOnBad, 10, false)

	store := newFakeStore([]*domain.Job{
		job(1, "evt", key, "bad"),
		job(2, "evt", key, "good"),
	})
	w := newWorker(store, reg)

	if err := w.RunBatch(context.Background()); err != nil {
		t.Fatalf("run batch: %v", err)
	}

	if len(store.complete) != 1 || store.complete[0] != 2 {
		t.Fatalf("expected job 2 completed, got %v", store.complete)
	}
	msg, ok := store.failed[1]
	if !ok {
		t.Fatalf("expected job 1 failed, got %v", store.failed)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(msg), &payload); err != nil {
		t.Fatalf("failure message is not the serialised payload: %v", err)
	}
	if !strings.Contains(payload["message"].(string), "boom") {
		t.Fatalf("failure message %q lost the cause", payload["message"])
	}
	if _, ok := payload["trace"]; !ok {
		t.Fatal("failure payload missing trace")
	}
}

func TestRunBatch_PanicFailsOnlyThatJob(t *testing.T) {
	reg := registry.New()
	key, _ := reg.Register("evt", panicOnBad, 10, false)

	store := newFakeStore([]*domain.Job{
		job(1, "evt", key, "bad"),
		job(2, "evt", key, "good"),
	})
	w := newWorker(store, reg)

	if err := w.RunBatch(context.Background()); err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if _, ok := store.failed[1]; !ok {
		t.Fatal("panicking job not failed")
	}
	if len(store.complete) != 1 || store.complete[0] != 2 {
		t.Fatalf("expected job 2 completed, got %v", store.complete)
	}
}

func TestRunBatch_UnknownCallbackFails(t *testing.T) {
	store := newFakeStore([]*domain.Job{job(1, "evt", "ghost.Handler")})
	w := newWorker(store, registry.New())

	if err := w.RunBatch(context.Background()); err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if _, ok := store.failed[1]; !ok {
		t.Fatal("job with unknown callback not failed")
	}
}

func TestRunBatch_RecurringRescheduledDriftFree(t *testing.T) {
	reg := registry.New()
	key, _ := reg.Register("stats.rollup", noopHandler, 10, false)

	recurring := job(1, "stats.rollup", key)
	recurring.Recurring = "60"
	recurring.ScheduledAt = 1000

	store := newFakeStore([]*domain.Job{recurring})
	w := newWorker(store, reg)
	w.now = func() time.Time { return time.Unix(1250, 0) }

	if err := w.RunBatch(context.Background()); err != nil {
		t.Fatalf("run batch: %v", err)
	}

	if len(store.inserted) != 1 {
		t.Fatalf("expected 1 rescheduled job, got %d", len(store.inserted))
	}
	next := store.inserted[0]
	if next.ScheduledAt != 1300 {
		t.Fatalf("next run at %d, want 1300", next.ScheduledAt)
	}
	if next.Recurring != "60" || next.Callback != key || next.Status != domain.StatusPending {
		t.Fatalf("unexpected recurrence %+v", next)
	}
}

func TestRunBatch_RecurringInThePastFailsJob(t *testing.T) {
	reg := registry.New()
	key, _ := reg.Register("evt", noopHandler, 10, false)

	recurring := job(1, "evt", key)
	recurring.Recurring = "0"

	store := newFakeStore([]*domain.Job{recurring})
	w := newWorker(store, reg)

	if err := w.RunBatch(context.Background()); err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if len(store.inserted) != 0 {
		t.Fatal("unschedulable recurrence must not insert")
	}
	if _, ok := store.failed[1]; !ok {
		t.Fatal("unschedulable recurrence must fail the job")
	}
}

// ---- soft deadline ----

func TestRunBatch_SoftDeadlineReleasesRemainder(t *testing.T) {
	reg := registry.New()
	key, _ := reg.Register("evt", func(context.Context, ...any) error { return nil }, 10, false)

	store := newFakeStore([]*domain.Job{
		job(1, "evt", key),
		job(2, "evt", key),
		job(3, "evt", key),
	})
	w := New(store, reg, &fakeCache{}, slog.Default(), Config{
		BatchSize:    10,
		BatchTimeout: 2 * time.Hour,
		SoftDeadline: 10 * time.Second,
	})

	// Scripted clock: 4s pass per observation, crossing the 10s
	// deadline at the check before the first job, so every claim is
	// released.
	var tick int64
	w.now = func() time.Time {
		tick++
		return time.Unix(tick*4, 0)
	}

	if err := w.RunBatch(context.Background()); err != nil {
		t.Fatalf("run batch: %v", err)
	}

	if len(store.released) == 0 {
		t.Fatal("no jobs released at the soft deadline")
	}
	releasedSet := make(map[int64]bool)
	for _, id := range store.released {
		releasedSet[id] = true
	}
	for _, id := range store.complete {
		if releasedSet[id] {
			t.Fatalf("job %d both completed and released", id)
		}
	}
	if got := len(store.released) + len(store.complete); got != 3 {
		t.Fatalf("released+completed = %d, want all 3 claims accounted for", got)
	}
}

// ---- closures ----

type chanCodec struct {
	handler registry.Handler
}

func (c *chanCodec) Encode(registry.Handler) ([]byte, error) { return []byte("box"), nil }
func (c *chanCodec) Decode([]byte) (registry.Handler, error) { return c.handler, nil }

func TestRunBatch_ClosureJob(t *testing.T) {
	var got []any
	reg := registry.New()
	reg.SetClosureCodec(&chanCodec{handler: func(_ context.Context, args ...any) error {
		got = append(got, args...)
		return nil
	}})

	args, _ := json.Marshal([]any{"captured"})
	payload, err := registry.PackClosure(reg.Codec(), nil, args)
	if err != nil {
		t.Fatalf("pack closure: %v", err)
	}
	closureJob := &domain.Job{
		ID:       1,
		Action:   "evt",
		Callback: domain.ClosureKey,
		Payload:  payload,
		Priority: 10,
	}

	store := newFakeStore([]*domain.Job{closureJob})
	w := newWorker(store, reg)

	if err := w.RunBatch(context.Background()); err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if len(store.complete) != 1 {
		t.Fatalf("closure job not completed: %v", store.failed)
	}
	if len(got) != 1 || got[0] != "captured" {
		t.Fatalf("closure saw %v", got)
	}
}

func TestRunBatch_ClosureWithoutCodecFails(t *testing.T) {
	closureJob := &domain.Job{
		ID:       1,
		Action:   "evt",
		Callback: domain.ClosureKey,
		Payload:  []byte(`{"closure":"Ym94","args":[]}`),
	}
	store := newFakeStore([]*domain.Job{closureJob})
	w := newWorker(store, registry.New())

	if err := w.RunBatch(context.Background()); err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if _, ok := store.failed[1]; !ok {
		t.Fatal("closure job without codec must fail")
	}
}

// ---- stale recovery throttle ----

func TestRunBatch_StaleRetryOncePerInterval(t *testing.T) {
	store := newFakeStore()
	c := &fakeCache{}
	w := New(store, registry.New(), c, slog.Default(), Config{
		BatchSize:    10,
		BatchTimeout: 2 * time.Hour,
		SoftDeadline: time.Hour,
	})

	for i := 0; i < 3; i++ {
		if err := w.RunBatch(context.Background()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	if store.stale != 1 {
		t.Fatalf("stale retry ran %d times, want 1", store.stale)
	}
}
