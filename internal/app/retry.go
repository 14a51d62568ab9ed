package app

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"flowline/internal/domain"
)

const conflictRetryMaxElapsed = 10 * time.Second

func newConflictBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = conflictRetryMaxElapsed
	return bo
}

// retryable reports whether op lost a race it can win by re-reading: an
// optimistic concurrency conflict or a busy database.
func retryable(err error) bool {
	if domain.IsCode(err, domain.CodeConflict) {
		return true
	}
	if domain.IsCode(err, domain.CodeStorage) {
		msg := strings.ToLower(err.Error())
		return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
	}
	return false
}

// RetryConflicts runs op again after a Conflict or busy error. Callers that
// pinned an expected sequence must not use it: their conflict is the answer.
func RetryConflicts(ctx context.Context, log *zap.Logger, what string, op func() error) error {
	if log == nil {
		log = zap.NewNop()
	}
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		log.Info("retrying after conflict", zap.String("op", what), zap.Int("attempt", attempt), zap.Error(err))
		return err
	}, backoff.WithContext(newConflictBackoff(), ctx))
}
