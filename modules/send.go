// Package modules contains the automation features attached to every
// connection: message tracking, AFK auto-reply, reaction rotation, presence
// rotation, and quest claiming. Modules consume the core through the
// gateway.Module interface and throttle every outbound action through the
// connection's rate limiter.
package modules

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ewhitmore/chatwarden/gateway"
	"github.com/ewhitmore/chatwarden/ratelimit"
	"github.com/ewhitmore/chatwarden/telemetry"
)

// defaultRemoteRetryBackoff is the fixed pause before the single retry of a
// remotely rate-limited action.
const defaultRemoteRetryBackoff = 2500 * time.Millisecond

// withRemoteRetry runs fn and, when the remote service reports rate limiting,
// retries exactly once after the fixed backoff. Any other error, and any
// error on the retry, is returned as-is.
func withRemoteRetry(ctx context.Context, backoff time.Duration, logger *slog.Logger, fn func() error) error {
	if backoff <= 0 {
		backoff = defaultRemoteRetryBackoff
	}
	err := fn()
	if !errors.Is(err, gateway.ErrRateLimited) {
		return err
	}
	telemetry.IncCounter(telemetry.RemoteRateLimits)
	logger.Warn("remote rate limit, retrying once", slog.Duration("backoff", backoff))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
	}
	return fn()
}

// SendWithRetry acquires the limiter for (conn, action, tier), sends text to
// channel, and applies the single remote-rate-limit retry.
func SendWithRetry(ctx context.Context, c *gateway.Connection, channel, text, action string, tier ratelimit.Tier, backoff time.Duration, logger *slog.Logger) error {
	if err := c.Acquire(ctx, action, tier); err != nil {
		return err
	}
	return withRemoteRetry(ctx, backoff, logger, func() error {
		return c.Client().SendMessage(ctx, channel, text)
	})
}
