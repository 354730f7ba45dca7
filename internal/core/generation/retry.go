package generation

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jinford/exam-rag/internal/core/knowledge"
)

// isRequestFatal はリクエスト全体を失敗させるべきエラーかを判定する
func isRequestFatal(err error) bool {
	return errors.Is(err, knowledge.ErrSchemaMismatch) ||
		errors.Is(err, ErrCollaboratorFatal) ||
		errors.Is(err, knowledge.ErrStoreUnavailable)
}

// isPermanent はリトライしても無駄なエラーかを判定する
// ストア障害はリトライ対象（1 回リトライ後にリクエストを失敗させる）
func isPermanent(err error) bool {
	return errors.Is(err, knowledge.ErrSchemaMismatch) || errors.Is(err, ErrCollaboratorFatal)
}

func (c *Coordinator) newBackOff(ctx context.Context, retries int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryBackoff
	b.MaxInterval = c.cfg.RetryBackoff * 8
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// withRetry は呼び出しごとにタイムアウトを設けて fn を実行し、一時的なエラーはバックオフ付きで再試行する
func withRetry[T any](ctx context.Context, c *Coordinator, op string, retries int, fn func(context.Context) (T, error)) (T, error) {
	var result T
	attempt := 0

	operation := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()

		v, err := fn(callCtx)
		if err != nil {
			if isPermanent(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		result = v
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Collaborator call failed, retrying",
			"operation", op,
			"attempt", attempt,
			"backoff", wait,
			"error", err,
		)
	}

	if err := backoff.RetryNotify(operation, c.newBackOff(ctx, retries), notify); err != nil {
		var zero T
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		return zero, err
	}
	return result, nil
}
