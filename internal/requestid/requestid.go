package requestid

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

type jobKey struct{}

// New generates a random UUID v4 request ID.
func New() string {
	return uuid.NewString()
}

// WithRequestID returns a copy of ctx with the request ID attached.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the request ID from ctx. Returns "" if absent.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// WithJobID tags ctx with the job a worker is currently executing, so
// handler log lines carry it without threading the ID everywhere.
func WithJobID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, jobKey{}, id)
}

// JobIDFromContext extracts the job ID from ctx. Returns 0 if absent.
func JobIDFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(jobKey{}).(int64)
	return id
}
