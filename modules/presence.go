package modules

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ewhitmore/chatwarden/gateway"
	"github.com/ewhitmore/chatwarden/ratelimit"
)

// Presence rotates an account's status line on a timer. Each connection gets
// its own background loop and rotation position; the loop ends quietly when
// the client has no presence capability.
type Presence struct {
	statuses []string
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewPresence builds the rotation module. With no statuses the module is a
// no-op on every connection.
func NewPresence(statuses []string, interval time.Duration, logger *slog.Logger) *Presence {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Presence{
		statuses: append([]string(nil), statuses...),
		interval: interval,
		logger:   logger.With(slog.String("component", "presence")),
		cancels:  make(map[string]context.CancelFunc),
	}
}

func (p *Presence) Name() string { return "presence" }

// Attach starts the rotation loop for the connection.
func (p *Presence) Attach(c *gateway.Connection) error {
	if len(p.statuses) == 0 {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancels[c.ID()] = cancel
	p.mu.Unlock()

	rot := NewRotator(p.statuses)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		t := time.NewTicker(p.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			if !c.IsReady() {
				continue
			}
			if err := c.Acquire(ctx, "presence", ratelimit.TierAction); err != nil {
				return
			}
			err := c.Client().SetPresence(ctx, rot.Next())
			if errors.Is(err, gateway.ErrUnsupported) {
				p.logger.Debug("presence unsupported, stopping rotation", slog.String("account_id", c.ID()))
				return
			}
			if err != nil {
				p.logger.Warn("presence update failed",
					slog.String("account_id", c.ID()),
					slog.Any("err", err))
			}
		}
	}()
	return nil
}

// Detach stops the connection's rotation loop.
func (p *Presence) Detach(c *gateway.Connection) {
	p.mu.Lock()
	cancel, ok := p.cancels[c.ID()]
	if ok {
		delete(p.cancels, c.ID())
	}
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close stops every rotation loop and waits for them to exit.
func (p *Presence) Close() {
	p.mu.Lock()
	for id, cancel := range p.cancels {
		cancel()
		delete(p.cancels, id)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
