package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Default polling parameters for WaitFor.
const (
	DefaultPollInterval = 3 * time.Second
	DefaultMaxWait      = 60 * time.Second
)

// Probe reports whether the remote output is ready.
type Probe func(ctx context.Context) (bool, error)

var errNotReady = errors.New("remote output not ready")

// WaitFor calls probe every interval until it reports ready, ctx ends or maxWait elapses.
// Probe errors are logged and retried like a not-ready answer.
func WaitFor(ctx context.Context, logger *zap.Logger, interval, maxWait time.Duration, probe Probe) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = interval
	policy.MaxInterval = interval
	policy.Multiplier = 1
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = maxWait

	operation := func() error {
		ready, err := probe(ctx)
		if err != nil {
			logger.Error("error while checking remote output", zap.Error(err))
			return err
		}
		if !ready {
			logger.Info("waiting for remote processing to complete")
			return errNotReady
		}
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	logger.Error("timed out waiting for remote processing", zap.Duration("max_wait", maxWait))
	return fmt.Errorf("%w after %s: %v", ErrTimeout, maxWait, err)
}
