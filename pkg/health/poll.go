package health

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/obstack/upctl/pkg/errdefs"
)

// Poll drives checker until it reports healthy, retrying with exponential
// backoff within the config's bounds. Exhaustion surfaces a health-check
// error carrying the last probe message.
func Poll(ctx context.Context, checker Checker, cfg PollConfig) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialInterval
	bo.MaxInterval = cfg.MaxInterval
	bo.MaxElapsedTime = cfg.Timeout

	attempts := 0
	var last Result

	operation := func() error {
		attempts++
		last = checker.Check(ctx)
		if last.Healthy {
			return nil
		}
		if cfg.MaxRetries > 0 && attempts >= cfg.MaxRetries {
			return backoff.Permanent(errdefs.HealthCheckf("unhealthy after %d attempts: %s", attempts, last.Message))
		}
		return errdefs.HealthCheckf("unhealthy: %s", last.Message)
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errdefs.IsHealthCheck(err) {
			return err
		}
		return errdefs.HealthCheckf("health not achieved within %s (%d attempts, last: %s)",
			cfg.Timeout, attempts, last.Message)
	}
	return nil
}

// Wait is a convenience wrapper polling for at most timeout with defaults
func Wait(ctx context.Context, checker Checker, timeout time.Duration) error {
	cfg := DefaultPollConfig()
	cfg.Timeout = timeout
	return Poll(ctx, checker, cfg)
}
