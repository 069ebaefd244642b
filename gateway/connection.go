package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ewhitmore/chatwarden/dispatch"
	"github.com/ewhitmore/chatwarden/ratelimit"
)

// State is the connection lifecycle position.
type State int

const (
	StateStarting State = iota
	StateReady
	StateDegraded
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Connection wraps one client session: it owns the session's event registry,
// keeps the session alive across disconnects, and tracks lifecycle state.
// The rate limiter is process-wide and keyed by the connection id.
type Connection struct {
	id       string
	username string
	client   Client
	registry *dispatch.Registry
	limiter  *ratelimit.Limiter
	logger   *slog.Logger

	// onState is the manager's state-change hook; may be nil in tests.
	onState func(*Connection, State)

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConnection builds an unstarted connection around client.
func NewConnection(id, username string, client Client, limiter *ratelimit.Limiter, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		id:       id,
		username: username,
		client:   client,
		registry: dispatch.NewRegistry(logger),
		limiter:  limiter,
		logger:   logger.With(slog.String("component", "connection"), slog.String("account_id", id)),
		state:    StateStarting,
	}
}

// ID returns the connection identifier (the account id).
func (c *Connection) ID() string { return c.id }

// Username returns the account's display name.
func (c *Connection) Username() string { return c.username }

// Registry returns the connection's event routing table.
func (c *Connection) Registry() *dispatch.Registry { return c.registry }

// Client returns the underlying protocol session.
func (c *Connection) Client() Client { return c.client }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsReady reports whether the session is established.
func (c *Connection) IsReady() bool { return c.State() == StateReady }

// Acquire blocks until the limiter permits the action under this connection.
func (c *Connection) Acquire(ctx context.Context, action string, tier ratelimit.Tier) error {
	return c.limiter.Acquire(ctx, c.id, action, tier)
}

// Dispatch routes one event through the connection's registry.
func (c *Connection) Dispatch(ctx context.Context, event string, payload any) {
	c.registry.Dispatch(ctx, event, payload)
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	if c.state == StateStopped || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.logger.Info("connection state", slog.String("state", s.String()))
	if c.onState != nil {
		c.onState(c, s)
	}
}

// Start launches the session loop. The loop reconnects with exponential
// backoff until ctx is cancelled or Stop is called.
func (c *Connection) Start(ctx context.Context) {
	c.mu.Lock()
	if c.done != nil || c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.run(runCtx)
	}()
}

func (c *Connection) run(ctx context.Context) {
	defer func() {
		c.setState(StateStopped)
		c.registry.Clear()
		c.limiter.Reset(c.id)
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute

	emit := func(event string, payload any) {
		if event == EventReady {
			bo.Reset()
			c.setState(StateReady)
		}
		c.Dispatch(ctx, event, payload)
	}

	for {
		err := c.client.Run(ctx, emit)
		if ctx.Err() != nil {
			return
		}
		c.setState(StateDegraded)
		wait := bo.NextBackOff()
		c.logger.Error("session ended, reconnecting",
			slog.Any("err", err),
			slog.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// waitStopped blocks until the session loop has exited. A connection that
// never started returns immediately.
func (c *Connection) waitStopped() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Stop cancels the session and waits for the loop to exit.
func (c *Connection) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	} else {
		// Never started; mark terminal so a later Start is a no-op.
		c.setState(StateStopped)
	}
}
