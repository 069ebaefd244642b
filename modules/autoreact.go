package modules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ewhitmore/chatwarden/gateway"
	"github.com/ewhitmore/chatwarden/ratelimit"
)

// AutoReact reacts to messages from configured users, rotating through each
// user's reaction set so consecutive messages get different reactions.
// Clients without a reaction capability are tolerated: the handler becomes a
// no-op for them.
type AutoReact struct {
	retryBackoff time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	rules    map[string][]string // user id -> reaction set
	rotators map[string]*Rotator // account id + user id -> rotation position
}

// NewAutoReact builds the reaction module with no rules armed.
func NewAutoReact(retryBackoff time.Duration, logger *slog.Logger) *AutoReact {
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoReact{
		retryBackoff: retryBackoff,
		logger:       logger.With(slog.String("component", "autoreact")),
		rules:        make(map[string][]string),
		rotators:     make(map[string]*Rotator),
	}
}

func (a *AutoReact) Name() string { return "autoreact" }

// SetRule arms (or replaces) the reaction set for a user. Existing rotation
// positions for that user reset.
func (a *AutoReact) SetRule(userID string, reactions []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(reactions) == 0 {
		delete(a.rules, userID)
	} else {
		a.rules[userID] = append([]string(nil), reactions...)
	}
	for key, rot := range a.rotators {
		if suffixUser(key) == userID {
			rot.SetItems(reactions)
		}
	}
}

// ClearRule disarms reactions for a user.
func (a *AutoReact) ClearRule(userID string) { a.SetRule(userID, nil) }

func suffixUser(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '\x00' {
			return key[i+1:]
		}
	}
	return key
}

func (a *AutoReact) rotatorFor(accountID, userID string, reactions []string) *Rotator {
	key := accountID + "\x00" + userID
	a.mu.Lock()
	defer a.mu.Unlock()
	rot, ok := a.rotators[key]
	if !ok {
		rot = NewRotator(reactions)
		a.rotators[key] = rot
	}
	return rot
}

// Attach registers the reaction handler.
func (a *AutoReact) Attach(c *gateway.Connection) error {
	c.Registry().Register(gateway.EventMessage, a.Name(), func(ctx context.Context, payload any) error {
		ev, ok := payload.(gateway.MessageEvent)
		if !ok {
			return fmt.Errorf("unexpected payload %T", payload)
		}
		return a.handle(ctx, c, ev)
	})
	return nil
}

// Detach removes the handler and drops the connection's rotation state.
func (a *AutoReact) Detach(c *gateway.Connection) {
	c.Registry().UnregisterModule(a.Name())
	prefix := c.ID() + "\x00"
	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.rotators {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(a.rotators, key)
		}
	}
}

func (a *AutoReact) handle(ctx context.Context, c *gateway.Connection, ev gateway.MessageEvent) error {
	a.mu.Lock()
	reactions, ok := a.rules[ev.UserID]
	a.mu.Unlock()
	if !ok {
		return nil
	}

	emoji := a.rotatorFor(c.ID(), ev.UserID, reactions).Next()
	if emoji == "" {
		return nil
	}
	if err := c.Acquire(ctx, "react", ratelimit.TierAction); err != nil {
		return err
	}
	err := withRemoteRetry(ctx, a.retryBackoff, a.logger, func() error {
		return c.Client().React(ctx, ev.ChannelID, ev.MessageID, emoji)
	})
	if errors.Is(err, gateway.ErrUnsupported) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("react to %s: %w", ev.MessageID, err)
	}
	return nil
}
