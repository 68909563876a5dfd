package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/entity"
	"offline-sync-service/internal/logger"
)

// repoGuard bounds every repository call with a timeout and retries transient failures.
type repoGuard struct {
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
}

func newRepoGuard(cfg config.SyncConfig) *repoGuard {
	g := &repoGuard{
		timeout:     cfg.RepositoryTimeout,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.RetryBaseDelay,
	}
	if g.timeout <= 0 {
		g.timeout = 30 * time.Second
	}
	if g.maxAttempts <= 0 {
		g.maxAttempts = 1
	}
	if g.baseDelay <= 0 {
		g.baseDelay = 100 * time.Millisecond
	}
	return g
}

// do runs fn until it succeeds, fails permanently or the attempts are used up.
// ErrNotFound and ErrStale pass through unchanged; a call that outlives the timeout
// yields ErrRepositoryTimeout and is not retried.
func (g *repoGuard) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(g.maxAttempts-1), retry.NewExponential(g.baseDelay))

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		err := fn(callCtx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, entity.ErrNotFound), errors.Is(err, entity.ErrStale):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil:
			return fmt.Errorf("%s: %w", op, ErrRepositoryTimeout)
		}

		logger.Log.Warn("Repository call failed",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return retry.RetryableError(fmt.Errorf("%s: %w: %w", op, ErrRepositoryFailure, err))
	})
}
