// seed inserts a batch of demo jobs into the local dev database.
// Run: go run ./cmd/seed
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/TwistedAndy/actionqueue/internal/domain"
	"github.com/TwistedAndy/actionqueue/internal/infrastructure/postgres"
)

type jobSpec struct {
	action    string
	callback  string
	args      []any
	priority  int
	delay     time.Duration
	recurring string
}

var jobs = []jobSpec{
	// Mixed priorities, all due now — exercise claim ordering
	{"email.welcome", "demo.SendWelcome", []any{"user-1"}, 10, 0, ""},
	{"email.welcome", "demo.SendWelcome", []any{"user-2"}, 50, 0, ""},
	{"email.welcome", "demo.SendWelcome", []any{"user-3"}, 255, 0, ""},
	{"report.generate", "demo.GenerateReport", []any{"2026-07"}, 5, 0, ""},

	// Duplicates — only the first survives the dedupe window
	{"cache.warm", "demo.WarmCache", []any{"products"}, 10, 0, ""},
	{"cache.warm", "demo.WarmCache", []any{"products"}, 10, 0, ""},
	{"cache.warm", "demo.WarmCache", []any{"products"}, 10, 0, ""},

	// Delayed
	{"email.digest", "demo.SendDigest", []any{"weekly"}, 10, 2 * time.Minute, ""},

	// Recurring — numeric interval and human-readable offset
	{"stats.rollup", "demo.RollupStats", nil, 20, 0, "300"},
	{"report.daily", "demo.GenerateReport", []any{"daily"}, 10, time.Minute, "1 day"},

	// Poison — no such handler will ever be registered, ends FAILED
	{"ghost.action", "demo.DoesNotExist", nil, 10, 0, ""},
}

func main() {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := postgres.Migrate(databaseURL); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	store, err := postgres.NewActionRepository(ctx, pool)
	if err != nil {
		log.Fatalf("store: %v", err)
	}

	now := time.Now()
	batch := make([]*domain.Job, 0, len(jobs))
	for _, spec := range jobs {
		payload, err := json.Marshal(spec.args)
		if err != nil {
			log.Fatalf("marshal args for %s: %v", spec.action, err)
		}
		batch = append(batch, &domain.Job{
			Action:      spec.action,
			Callback:    spec.callback,
			Payload:     payload,
			Status:      domain.StatusPending,
			Priority:    spec.priority,
			Recurring:   spec.recurring,
			Signature:   domain.Signature(spec.action, spec.callback, payload),
			ScheduledAt: now.Add(spec.delay).Unix(),
		})
	}

	inserted, err := store.InsertBatch(ctx, batch)
	if err != nil {
		log.Fatalf("insert: %v", err)
	}

	fmt.Printf("seeded %d jobs (%d deduped)\n", inserted, len(batch)-inserted)
}
