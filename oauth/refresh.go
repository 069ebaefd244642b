// Package oauth keeps stored account tokens fresh. A background goroutine
// performs jittered scans over enabled accounts and runs the refresh-token
// grant for any token whose remaining lifetime falls within the window.
package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/oauth2"

	"github.com/ewhitmore/chatwarden/store"
)

// AccountStore is the slice of the persistence layer the refresher needs.
type AccountStore interface {
	ListAccounts(ctx context.Context, state string) ([]store.Account, error)
	UpsertAccount(ctx context.Context, a store.Account) error
}

// Refresher scans accounts and refreshes expiring tokens.
type Refresher struct {
	Store AccountStore
	// Conf supplies the token endpoint and client credentials for the
	// refresh-token grant.
	Conf *oauth2.Config
	// Interval is the scan period (default 5m).
	Interval time.Duration
	// Window triggers a refresh when remaining lifetime <= window (default 15m).
	Window time.Duration
	Logger *slog.Logger
	// OnRefresh, when set, is called with the updated account after a
	// successful refresh, e.g. to rotate a live connection's credential.
	OnRefresh func(a store.Account)
}

// Start launches the scan loop. It returns immediately; the loop exits when
// ctx is cancelled. Initial delay and per-iteration jitter spread load across
// instances.
func (r *Refresher) Start(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	window := r.Window
	if window <= 0 {
		window = 15 * time.Minute
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "oauth_refresher"))

	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
			r.scan(ctx, window, logger)
		}
	}()
}

func (r *Refresher) scan(ctx context.Context, window time.Duration, logger *slog.Logger) {
	accounts, err := r.Store.ListAccounts(ctx, store.AccountEnabled)
	if err != nil {
		logger.Warn("account scan failed", slog.Any("err", err))
		return
	}
	for _, acct := range accounts {
		if acct.RefreshToken == "" {
			continue
		}
		if !acct.ExpiresAt.IsZero() && time.Until(acct.ExpiresAt) > window {
			continue
		}
		if err := r.refreshOne(ctx, acct, logger); err != nil {
			logger.Warn("token refresh failed",
				slog.String("account_id", acct.ID),
				slog.Any("err", err))
		}
	}
}

func (r *Refresher) refreshOne(ctx context.Context, acct store.Account, logger *slog.Logger) error {
	refreshCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	ts := r.Conf.TokenSource(refreshCtx, &oauth2.Token{RefreshToken: acct.RefreshToken})
	tok, err := ts.Token()
	if err != nil {
		return err
	}

	acct.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		acct.RefreshToken = tok.RefreshToken
	}
	acct.ExpiresAt = tok.Expiry
	if err := r.Store.UpsertAccount(ctx, acct); err != nil {
		return err
	}
	logger.Info("token refreshed", slog.String("account_id", acct.ID))
	if r.OnRefresh != nil {
		r.OnRefresh(acct)
	}
	return nil
}
