package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/TwistedAndy/actionqueue/internal/cache"
	"github.com/TwistedAndy/actionqueue/internal/metrics"
	"github.com/TwistedAndy/actionqueue/internal/spawnkey"
)

// spawnCacheKey throttles spawns to one per batch interval.
const spawnCacheKey = "actions_spawn"

// HTTPSpawner fires a GET at the worker endpoint of its own
// deployment and does not wait for the batch to finish. Timeouts, both
// on connect and on the whole request, are expected (the worker
// outlives the spawn request) and are dropped silently.
type HTTPSpawner struct {
	client    *http.Client
	cache     cache.Cache
	workerURL string
	secret    string
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewHTTPSpawner(c cache.Cache, workerURL, secret string, interval time.Duration, logger *slog.Logger) *HTTPSpawner {
	return &HTTPSpawner{
		client: &http.Client{
			Timeout: 3 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 100 * time.Millisecond,
				}).DialContext,
				DisableKeepAlives: true,
			},
		},
		cache:     c,
		workerURL: workerURL,
		secret:    secret,
		interval:  interval,
		logger:    logger.With("component", "spawner"),
		now:       time.Now,
	}
}

func (s *HTTPSpawner) Spawn(ctx context.Context) error {
	now := s.now()
	ok, err := s.cache.SetNX(ctx, spawnCacheKey, strconv.FormatInt(now.Unix(), 10), s.interval)
	if err != nil {
		return fmt.Errorf("spawn throttle: %w", err)
	}
	if !ok {
		metrics.SpawnsTotal.WithLabelValues("throttled").Inc()
		return nil
	}

	url := fmt.Sprintf("%s/actions/run?key=%s", s.workerURL, spawnkey.New(s.secret, now))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build spawn request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			// The worker keeps running after our deadline; that is
			// the fire-and-forget contract working as intended.
			metrics.SpawnsTotal.WithLabelValues("fired").Inc()
			return nil
		}
		metrics.SpawnsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("spawn request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		metrics.SpawnsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("spawn request: status %d", resp.StatusCode)
	}
	metrics.SpawnsTotal.WithLabelValues("fired").Inc()
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// BatchRunner is the in-process worker surface the inline spawner
// drives; satisfied by *worker.Worker.
type BatchRunner interface {
	RunBatch(ctx context.Context) error
}

// InlineSpawner continues in-process after the response is flushed,
// for runtimes where a self-request is unnecessary.
type InlineSpawner struct {
	runner   BatchRunner
	cache    cache.Cache
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewInlineSpawner(runner BatchRunner, c cache.Cache, interval time.Duration, logger *slog.Logger) *InlineSpawner {
	return &InlineSpawner{
		runner:   runner,
		cache:    c,
		interval: interval,
		logger:   logger.With("component", "spawner"),
		now:      time.Now,
	}
}

func (s *InlineSpawner) Spawn(ctx context.Context) error {
	ok, err := s.cache.SetNX(ctx, spawnCacheKey, strconv.FormatInt(s.now().Unix(), 10), s.interval)
	if err != nil {
		return fmt.Errorf("spawn throttle: %w", err)
	}
	if !ok {
		metrics.SpawnsTotal.WithLabelValues("throttled").Inc()
		return nil
	}

	metrics.SpawnsTotal.WithLabelValues("fired").Inc()
	go func() {
		// Detached from the request; the batch must not die with it.
		if err := s.runner.RunBatch(context.WithoutCancel(ctx)); err != nil {
			s.logger.Error("inline batch failed", "error", err)
		}
	}()
	return nil
}
