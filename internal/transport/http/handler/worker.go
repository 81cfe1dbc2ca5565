package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/TwistedAndy/actionqueue/internal/domain"
	"github.com/TwistedAndy/actionqueue/internal/spawnkey"
	"github.com/gin-gonic/gin"
)

// BatchRunner is satisfied by *worker.Worker.
type BatchRunner interface {
	RunBatch(ctx context.Context) error
}

// WorkerHandler is the worker entry point: a spawn hits one of its
// routes, the handler authenticates the caller and drains a batch.
type WorkerHandler struct {
	runner BatchRunner
	key    string
	logger *slog.Logger
}

func NewWorkerHandler(runner BatchRunner, key string, logger *slog.Logger) *WorkerHandler {
	return &WorkerHandler{
		runner: runner,
		key:    key,
		logger: logger.With("component", "worker_handler"),
	}
}

// Run handles GET /actions/run?key=<hmac>.
func (h *WorkerHandler) Run(c *gin.Context) {
	if !spawnkey.Verify(h.key, c.Query("key"), time.Now()) {
		c.String(http.StatusForbidden, "Invalid Key")
		return
	}
	h.runBatch(c)
}

// RunAuthed handles POST /queue/work; the secret header was already
// checked by middleware.
func (h *WorkerHandler) RunAuthed(c *gin.Context) {
	h.runBatch(c)
}

func (h *WorkerHandler) runBatch(c *gin.Context) {
	// The spawner has long since hung up; the batch runs to its own
	// deadline regardless.
	ctx := context.WithoutCancel(c.Request.Context())
	if err := h.runner.RunBatch(ctx); err != nil {
		h.logger.Error("batch run failed", "error", err)
		if errors.Is(err, domain.ErrStoreUnavailable) {
			c.String(http.StatusInternalServerError, "Store unavailable")
			return
		}
		c.String(http.StatusInternalServerError, "Internal server error")
		return
	}
	c.String(http.StatusOK, "OK")
}
