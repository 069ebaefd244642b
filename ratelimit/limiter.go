// Package ratelimit implements the layered outbound throttle shared by all
// automation modules. Every automated action acquires a bucket keyed by
// (connection, action) before touching the wire: the global tier shares one
// bucket per connection for actions that consume the connection-wide quota,
// the action tier gives each feature its own bucket. Buckets apply an
// adaptive cooldown that tightens toward a floor as a busy window keeps
// hitting the limit, and reset once the window goes quiet.
//
// A bucket's lock is intentionally held across the enforced sleep: actions
// sharing a scope key serialize behind it, which is the throttling effect.
// Distinct scope keys never contend.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/ewhitmore/chatwarden/telemetry"
)

// Tier selects which bucket an acquisition charges against.
type Tier int

const (
	// TierGlobal charges the connection-wide bucket shared by all actions
	// issued under this tier (e.g. direct messages).
	TierGlobal Tier = iota
	// TierAction charges a bucket private to (connection, action).
	TierAction
)

// Config holds bucket tuning. Zero values fall back to defaults.
type Config struct {
	WindowLimit  int           // actions allowed before cooldowns kick in (default 30)
	ResetAfter   time.Duration // idle time after which a bucket resets (default 30s)
	BaseCooldown time.Duration // starting cooldown once the limit is hit (default 2.5s)
	MinCooldown  time.Duration // cooldown floor (default 2s)
	HitThreshold int           // consecutive limit hits before the cooldown starts shrinking (default 5)
}

// hitSpan is the number of hits past the threshold over which the cooldown
// scales linearly from baseline down to the floor.
const hitSpan = 7

func (c Config) withDefaults() Config {
	if c.WindowLimit <= 0 {
		c.WindowLimit = 30
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 30 * time.Second
	}
	if c.BaseCooldown <= 0 {
		c.BaseCooldown = 2500 * time.Millisecond
	}
	if c.MinCooldown <= 0 {
		c.MinCooldown = 2 * time.Second
	}
	if c.HitThreshold <= 0 {
		c.HitThreshold = 5
	}
	return c
}

type bucket struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	cooldown    time.Duration
	limitHits   int
}

// BucketState is a read-only snapshot of one bucket, for tests and /status.
type BucketState struct {
	Count           int
	WindowStart     time.Time
	CurrentCooldown time.Duration
	LimitHits       int
}

// Limiter owns all buckets in the process, keyed by (connection, action, tier).
// Buckets are created lazily on first use and live until the connection is
// reset. Acquire never rejects; it only sleeps.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket

	// Injection points for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a limiter with the given config (zero fields take defaults).
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg.withDefaults(),
		buckets: make(map[string]*bucket),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func scopeKey(conn, action string, tier Tier) string {
	if tier == TierGlobal {
		return conn
	}
	return conn + "\x00" + action
}

func (l *Limiter) bucketFor(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{
			windowStart: l.now(),
			cooldown:    l.cfg.BaseCooldown,
		}
		l.buckets[key] = b
	}
	return b
}

// Acquire blocks until the action identified by (conn, action, tier) is
// permitted, then records it. Quota exhaustion is always resolved by
// sleeping, never by rejecting; the only error is context cancellation.
func (l *Limiter) Acquire(ctx context.Context, conn, action string, tier Tier) error {
	b := l.bucketFor(scopeKey(conn, action, tier))
	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	if now.Sub(b.windowStart) >= l.cfg.ResetAfter {
		b.count = 0
		b.limitHits = 0
		b.cooldown = l.cfg.BaseCooldown
		b.windowStart = now
	}

	if b.count >= l.cfg.WindowLimit {
		b.limitHits++
		if b.limitHits >= l.cfg.HitThreshold {
			// Linear scale from baseline to floor over the next hitSpan hits.
			factor := float64(b.limitHits-l.cfg.HitThreshold) / float64(hitSpan)
			if factor > 1 {
				factor = 1
			}
			reduced := l.cfg.BaseCooldown - time.Duration(factor*float64(l.cfg.BaseCooldown-l.cfg.MinCooldown))
			if reduced < l.cfg.MinCooldown {
				reduced = l.cfg.MinCooldown
			}
			b.cooldown = reduced
		}
		telemetry.IncCounter(telemetry.RateLimitWaits)
		if err := l.sleep(ctx, b.cooldown); err != nil {
			return err
		}
	}

	b.count++
	b.windowStart = l.now()
	return nil
}

// State returns a snapshot of one bucket, or false if it does not exist yet.
func (l *Limiter) State(conn, action string, tier Tier) (BucketState, bool) {
	l.mu.Lock()
	b, ok := l.buckets[scopeKey(conn, action, tier)]
	l.mu.Unlock()
	if !ok {
		return BucketState{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return BucketState{
		Count:           b.count,
		WindowStart:     b.windowStart,
		CurrentCooldown: b.cooldown,
		LimitHits:       b.limitHits,
	}, true
}

// Reset drops every bucket belonging to conn. Called on connection stop so a
// reconnect starts with fresh windows.
func (l *Limiter) Reset(conn string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prefix := conn + "\x00"
	for key := range l.buckets {
		if key == conn || len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(l.buckets, key)
		}
	}
}

// Config returns the effective (default-filled) configuration.
func (l *Limiter) Config() Config { return l.cfg }

// SetClock overrides the time source and sleep function. Test hook.
func (l *Limiter) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	if now != nil {
		l.now = now
	}
	if sleep != nil {
		l.sleep = sleep
	}
}
