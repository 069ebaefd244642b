// Package msgbuffer batches high-volume message records into the store.
// Producers enqueue without ever touching I/O; a background loop flushes on a
// timer or when the buffer crosses its size threshold, then enforces per-user
// retention caps over the users touched by the batch.
package msgbuffer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ewhitmore/chatwarden/store"
	"github.com/ewhitmore/chatwarden/telemetry"
)

// Store is the slice of the persistence layer the buffer needs.
type Store interface {
	InsertMessages(ctx context.Context, msgs []store.Message) (int64, error)
	CountMessagesByUser(ctx context.Context, userIDs []string) (map[string]int, error)
	MessageLimits(ctx context.Context, userIDs []string) (map[string]int, error)
	DeleteOldestUserMessages(ctx context.Context, userID string, n int) (int64, error)
}

// Config tunes the buffer. Zero values fall back to defaults.
type Config struct {
	FlushInterval time.Duration // timer-driven flush period (default 5s)
	MaxSize       int           // pending count that triggers an early flush (default 2000)
	MaxPending    int           // hard cap on pending records (default 50000)
	UserLimit     int           // default per-user retention cap (default 100)
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 2000
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 50000
	}
	if c.UserLimit <= 0 {
		c.UserLimit = 100
	}
	return c
}

// Buffer accumulates message records and writes them in batches.
type Buffer struct {
	cfg    Config
	st     Store
	logger *slog.Logger

	mu      sync.Mutex
	pending []store.Message

	// nudge wakes the run loop for an early flush. Capacity 1: a pending
	// nudge already covers everything enqueued before the next flush.
	nudge chan struct{}
}

// New returns a buffer writing through st. Pass nil logger for slog.Default.
func New(st Store, cfg Config, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		cfg:    cfg.withDefaults(),
		st:     st,
		logger: logger.With(slog.String("component", "msgbuffer")),
		nudge:  make(chan struct{}, 1),
	}
}

// Enqueue appends one record. It never blocks on I/O and never waits for a
// flush: crossing the size threshold only signals the run loop. When the hard
// cap is exceeded the oldest excess records are dropped and counted.
func (b *Buffer) Enqueue(rec store.Message) {
	b.mu.Lock()
	b.pending = append(b.pending, rec)
	if over := len(b.pending) - b.cfg.MaxPending; over > 0 {
		b.pending = b.pending[over:]
		telemetry.AddCounter(telemetry.RecordsDropped, float64(over))
		b.logger.Warn("pending cap exceeded, dropped oldest records", slog.Int("dropped", over))
	}
	depth := len(b.pending)
	b.mu.Unlock()

	telemetry.SetBufferDepth(depth)
	if depth >= b.cfg.MaxSize {
		select {
		case b.nudge <- struct{}{}:
		default:
		}
	}
}

// Len reports the number of pending records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Run flushes on every tick or nudge until ctx is cancelled, then performs a
// final flush on a detached context so shutdown does not lose the tail.
func (b *Buffer) Run(ctx context.Context) {
	t := time.NewTicker(b.cfg.FlushInterval)
	defer t.Stop()
	b.logger.Info("buffer flush loop started",
		slog.Duration("interval", b.cfg.FlushInterval),
		slog.Int("max_size", b.cfg.MaxSize))
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if err := b.Flush(final); err != nil {
				b.logger.Error("final flush failed", slog.Any("err", err), slog.Int("pending", b.Len()))
			}
			cancel()
			b.logger.Info("buffer flush loop stopped")
			return
		case <-t.C:
			if err := b.Flush(ctx); err != nil {
				b.logger.Error("flush failed", slog.Any("err", err))
			}
		case <-b.nudge:
			if err := b.Flush(ctx); err != nil {
				b.logger.Error("flush failed", slog.Any("err", err))
			}
		}
	}
}

// Flush swaps the pending batch out and writes it. Records enqueued after the
// swap belong to the next flush. Duplicate keys are a successful no-op at the
// store layer; any other failure re-merges the batch at the front of the
// queue (order kept) and skips retention for this cycle.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var written int64
	var err error
	elapsed := telemetry.TimeFunc(telemetry.FlushDuration, func() {
		written, err = b.st.InsertMessages(ctx, batch)
	})
	if err != nil {
		b.requeue(batch)
		telemetry.IncCounter(telemetry.BufferFlushErrors)
		return fmt.Errorf("flush %d records: %w", len(batch), err)
	}

	telemetry.IncCounter(telemetry.BufferFlushes)
	telemetry.AddCounter(telemetry.RecordsFlushed, float64(written))
	telemetry.SetBufferDepth(b.Len())
	b.logger.Debug("flushed batch",
		slog.Int("batch", len(batch)),
		slog.Int64("written", written),
		slog.Duration("took", elapsed))

	if err := b.enforceRetention(ctx, batch); err != nil {
		// Retention is advisory; the next flush touching these users retries.
		b.logger.Error("retention enforcement failed", slog.Any("err", err))
	}
	return nil
}

// requeue puts a failed batch back at the head of the queue, preserving order
// ahead of anything enqueued during the flush attempt.
func (b *Buffer) requeue(batch []store.Message) {
	b.mu.Lock()
	b.pending = append(batch, b.pending...)
	if over := len(b.pending) - b.cfg.MaxPending; over > 0 {
		b.pending = b.pending[over:]
		telemetry.AddCounter(telemetry.RecordsDropped, float64(over))
	}
	depth := len(b.pending)
	b.mu.Unlock()
	telemetry.SetBufferDepth(depth)
}

// enforceRetention trims each user touched by the batch down to their cap.
// Counts and per-user overrides are fetched in one round trip each.
func (b *Buffer) enforceRetention(ctx context.Context, batch []store.Message) error {
	seen := make(map[string]struct{}, len(batch))
	users := make([]string, 0, len(batch))
	for _, m := range batch {
		if _, ok := seen[m.UserID]; ok || m.UserID == "" {
			continue
		}
		seen[m.UserID] = struct{}{}
		users = append(users, m.UserID)
	}
	if len(users) == 0 {
		return nil
	}

	counts, err := b.st.CountMessagesByUser(ctx, users)
	if err != nil {
		return fmt.Errorf("count messages: %w", err)
	}
	limits, err := b.st.MessageLimits(ctx, users)
	if err != nil {
		return fmt.Errorf("message limits: %w", err)
	}

	for _, user := range users {
		limit := b.cfg.UserLimit
		if override, ok := limits[user]; ok {
			limit = override
		}
		excess := counts[user] - limit
		if excess <= 0 {
			continue
		}
		deleted, err := b.st.DeleteOldestUserMessages(ctx, user, excess)
		if err != nil {
			return fmt.Errorf("trim user %s: %w", user, err)
		}
		telemetry.AddCounter(telemetry.RetentionDeleted, float64(deleted))
		b.logger.Debug("retention trim",
			slog.String("user_id", user),
			slog.Int("limit", limit),
			slog.Int64("deleted", deleted))
	}
	return nil
}
