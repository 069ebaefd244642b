package modules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ewhitmore/chatwarden/gateway"
	"github.com/ewhitmore/chatwarden/ratelimit"
)

// AutoReplyConfig tunes the AFK auto-responder.
type AutoReplyConfig struct {
	// Message is the reply text. An empty message leaves the module dormant
	// until EnableFor is called with one.
	Message string
	// Cooldown is the per-channel minimum gap between replies (default 1m).
	Cooldown time.Duration
	// RetryBackoff is the pause before the single remote-rate-limit retry.
	RetryBackoff time.Duration
}

// AutoReply answers mentions with an away message while an account is marked
// AFK. Replies are per-channel cooled down and sent under the connection's
// global rate tier.
type AutoReply struct {
	cfg    AutoReplyConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	away     map[string]string    // account id -> active away message
	lastSent map[string]time.Time // account id + channel -> last reply
}

// NewAutoReply builds the auto-responder. When cfg.Message is set, every
// attached account starts in the away state.
func NewAutoReply(cfg AutoReplyConfig, logger *slog.Logger) *AutoReply {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoReply{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "autoreply")),
		now:      time.Now,
		away:     make(map[string]string),
		lastSent: make(map[string]time.Time),
	}
}

func (a *AutoReply) Name() string { return "autoreply" }

// EnableFor marks an account away with the given message ("" uses the
// configured default).
func (a *AutoReply) EnableFor(accountID, message string) {
	if message == "" {
		message = a.cfg.Message
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.away[accountID] = message
}

// DisableFor clears the away state for an account.
func (a *AutoReply) DisableFor(accountID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.away, accountID)
}

// IsAway reports whether an account is currently marked away.
func (a *AutoReply) IsAway(accountID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.away[accountID]
	return ok
}

// Attach registers the mention handler.
func (a *AutoReply) Attach(c *gateway.Connection) error {
	if a.cfg.Message != "" {
		a.EnableFor(c.ID(), a.cfg.Message)
	}
	c.Registry().Register(gateway.EventMessage, a.Name(), func(ctx context.Context, payload any) error {
		ev, ok := payload.(gateway.MessageEvent)
		if !ok {
			return fmt.Errorf("unexpected payload %T", payload)
		}
		return a.handle(ctx, c, ev)
	})
	return nil
}

// Detach removes the handler and forgets the account's state.
func (a *AutoReply) Detach(c *gateway.Connection) {
	c.Registry().UnregisterModule(a.Name())
	a.DisableFor(c.ID())
}

func (a *AutoReply) handle(ctx context.Context, c *gateway.Connection, ev gateway.MessageEvent) error {
	if !ev.MentionsSelf || ev.Username == c.Username() {
		return nil
	}

	a.mu.Lock()
	message, away := a.away[c.ID()]
	if !away {
		a.mu.Unlock()
		return nil
	}
	key := c.ID() + "\x00" + ev.Channel
	if last, ok := a.lastSent[key]; ok && a.now().Sub(last) < a.cfg.Cooldown {
		a.mu.Unlock()
		return nil
	}
	// Claim the cooldown slot before releasing the lock so a burst of
	// mentions produces one reply.
	a.lastSent[key] = a.now()
	a.mu.Unlock()

	reply := fmt.Sprintf("@%s %s", ev.Username, message)
	if err := SendWithRetry(ctx, c, ev.Channel, reply, "autoreply", ratelimit.TierGlobal, a.cfg.RetryBackoff, a.logger); err != nil {
		return fmt.Errorf("afk reply in %s: %w", ev.Channel, err)
	}
	a.logger.Debug("afk reply sent",
		slog.String("account_id", c.ID()),
		slog.String("channel", ev.Channel),
		slog.String("to", ev.Username))
	return nil
}
