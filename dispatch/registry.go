// Package dispatch implements the per-connection event routing table. Feature
// modules register named handlers against string event keys; the owning
// connection dispatches each inbound protocol event to every registered
// handler, isolating failures so one module cannot starve the others.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ewhitmore/chatwarden/telemetry"
)

// Handler processes one event payload. Returning an error (or panicking) is
// logged and counted but never affects sibling handlers or the caller.
type Handler func(ctx context.Context, payload any) error

type registration struct {
	module  string
	handler Handler
}

// Registry is a string-keyed routing table: event name -> ordered set of
// (module, handler) pairs. One Registry exists per connection; it is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	logger   *slog.Logger
}

// NewRegistry returns an empty registry. The logger is used for handler
// failure reports; pass nil to use slog.Default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[string][]registration),
		logger:   logger.With(slog.String("component", "dispatch")),
	}
}

// Register upserts a handler for (event, module). Re-registering the same
// module for the same event replaces the previous handler in place
// (last-wins); the module's position in dispatch order is retained.
func (r *Registry) Register(event, module string, h Handler) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := r.handlers[event]
	for i := range regs {
		if regs[i].module == module {
			regs[i].handler = h
			return
		}
	}
	r.handlers[event] = append(regs, registration{module: module, handler: h})
}

// UnregisterModule removes every registration owned by module across all
// events. Used on module unload so a reloaded module cannot double-fire.
func (r *Registry) UnregisterModule(module string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for event, regs := range r.handlers {
		kept := regs[:0]
		for _, reg := range regs {
			if reg.module != module {
				kept = append(kept, reg)
			}
		}
		if len(kept) == 0 {
			delete(r.handlers, event)
		} else {
			r.handlers[event] = kept
		}
	}
}

// Clear drops every registration. Called on connection shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[string][]registration)
}

// HandlerCount returns the number of handlers registered for event.
func (r *Registry) HandlerCount(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}

// Modules returns the module names registered for event, in dispatch order.
func (r *Registry) Modules(event string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	regs := r.handlers[event]
	out := make([]string, len(regs))
	for i, reg := range regs {
		out[i] = reg.module
	}
	return out
}

// Dispatch invokes every handler registered for event with payload. Handler
// errors and panics are caught, logged with module and event context, and
// never propagate; the remaining handlers always run. An event with no
// registrations is a no-op.
func (r *Registry) Dispatch(ctx context.Context, event string, payload any) {
	r.mu.RLock()
	regs := make([]registration, len(r.handlers[event]))
	copy(regs, r.handlers[event])
	r.mu.RUnlock()

	if len(regs) == 0 {
		return
	}
	telemetry.IncCounter(telemetry.EventsDispatched)

	telemetry.TimeFunc(telemetry.DispatchDuration, func() {
		for _, reg := range regs {
			r.invoke(ctx, event, reg, payload)
		}
	})
}

func (r *Registry) invoke(ctx context.Context, event string, reg registration, payload any) {
	defer func() {
		if rec := recover(); rec != nil {
			telemetry.IncCounter(telemetry.HandlerFailures)
			r.logger.Error("handler panic",
				slog.String("module", reg.module),
				slog.String("event", event),
				slog.Any("panic", rec))
		}
	}()
	if err := reg.handler(ctx, payload); err != nil {
		telemetry.IncCounter(telemetry.HandlerFailures)
		r.logger.Error("handler error",
			slog.String("module", reg.module),
			slog.String("event", event),
			slog.Any("err", err))
	}
}

// String describes the registry contents, for /status reporting.
func (r *Registry) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, regs := range r.handlers {
		total += len(regs)
	}
	return fmt.Sprintf("registry{events: %d, handlers: %d}", len(r.handlers), total)
}
