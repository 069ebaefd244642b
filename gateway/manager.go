package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ewhitmore/chatwarden/ratelimit"
	"github.com/ewhitmore/chatwarden/store"
	"github.com/ewhitmore/chatwarden/telemetry"
)

// Module is an automation feature attached to every connection. Attach
// registers handlers on the connection's registry and may start per-connection
// goroutines; Detach must undo both.
type Module interface {
	Name() string
	Attach(c *Connection) error
	Detach(c *Connection)
}

// ClientFactory builds a protocol session for one stored credential.
type ClientFactory func(acct store.Account) (Client, error)

// ConnectionInfo is a point-in-time view of one connection for /status.
type ConnectionInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	State    string `json:"state"`
}

// Manager supervises the full set of connections: one per stored credential,
// independent lifecycles, shared limiter, identical module sets. Connections
// can be added and removed while the manager is running.
type Manager struct {
	factory ClientFactory
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	modules []Module

	mu      sync.Mutex
	conns   map[string]*Connection
	started bool
	runCtx  context.Context
	g       *errgroup.Group
}

// NewManager builds a supervisor. Every connection added later gets the given
// modules attached in order.
func NewManager(factory ClientFactory, limiter *ratelimit.Limiter, logger *slog.Logger, modules ...Module) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factory: factory,
		limiter: limiter,
		logger:  logger.With(slog.String("component", "manager")),
		modules: modules,
		conns:   make(map[string]*Connection),
	}
}

// Add builds a connection for the credential and attaches every module. When
// the manager is already running the connection starts immediately; otherwise
// it starts with StartAll. Adding an id that already exists is an error.
func (m *Manager) Add(acct store.Account) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[acct.ID]; ok {
		return nil, fmt.Errorf("connection %s already exists", acct.ID)
	}

	client, err := m.factory(acct)
	if err != nil {
		return nil, fmt.Errorf("build client for %s: %w", acct.ID, err)
	}
	conn := NewConnection(acct.ID, acct.Username, client, m.limiter, m.logger)
	conn.onState = func(*Connection, State) { m.publishReady() }

	for i, mod := range m.modules {
		if err := mod.Attach(conn); err != nil {
			for _, attached := range m.modules[:i] {
				attached.Detach(conn)
			}
			return nil, fmt.Errorf("attach module %s to %s: %w", mod.Name(), acct.ID, err)
		}
	}

	m.conns[acct.ID] = conn
	m.logger.Info("connection added", slog.String("account_id", acct.ID), slog.String("username", acct.Username))

	if m.started {
		conn.Start(m.runCtx)
		m.g.Go(func() error {
			conn.waitStopped()
			return nil
		})
	}
	return conn, nil
}

// Remove stops one connection, detaches its modules, and forgets it. Sibling
// connections are untouched.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	conn, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("connection %s not found", id)
	}

	conn.Stop()
	for _, mod := range m.modules {
		mod.Detach(conn)
	}
	m.publishReady()
	m.logger.Info("connection removed", slog.String("account_id", id))
	return nil
}

// StartAll launches every connection and blocks until all of them have
// stopped, which normally means ctx was cancelled.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("manager already started")
	}
	m.started = true
	m.runCtx = ctx
	m.g = &errgroup.Group{}
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	m.logger.Info("starting connections", slog.Int("count", len(conns)))
	for _, conn := range conns {
		conn.Start(ctx)
		c := conn
		m.g.Go(func() error {
			c.waitStopped()
			return nil
		})
	}
	return m.g.Wait()
}

// StopAll stops every connection without removing it.
func (m *Manager) StopAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.Stop()
	}
	m.publishReady()
}

// Get returns a connection by id.
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	return c, ok
}

// Ready returns the connections currently in the ready state.
func (m *Manager) Ready() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Connection
	for _, c := range m.conns {
		if c.IsReady() {
			out = append(out, c)
		}
	}
	return out
}

// AnyReady reports whether at least one connection is established.
func (m *Manager) AnyReady() bool { return len(m.Ready()) > 0 }

// Len returns the number of managed connections.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Snapshot lists every connection's id, username, and state.
func (m *Manager) Snapshot() []ConnectionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConnectionInfo, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, ConnectionInfo{ID: c.ID(), Username: c.Username(), State: c.State().String()})
	}
	return out
}

func (m *Manager) publishReady() {
	telemetry.SetConnectionsReady(len(m.Ready()))
}
