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

// Quests polls for claimable promotional quests and claims them through
// rate-limited client calls. Connections whose client has no quest capability
// stop polling after the first attempt.
type Quests struct {
	interval     time.Duration
	retryBackoff time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	claimed map[string]struct{} // account id + quest id
	wg      sync.WaitGroup
}

// NewQuests builds the quest poller.
func NewQuests(interval, retryBackoff time.Duration, logger *slog.Logger) *Quests {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Quests{
		interval:     interval,
		retryBackoff: retryBackoff,
		logger:       logger.With(slog.String("component", "quests")),
		cancels:      make(map[string]context.CancelFunc),
		claimed:      make(map[string]struct{}),
	}
}

func (q *Quests) Name() string { return "quests" }

// Attach starts the poll loop for the connection.
func (q *Quests) Attach(c *gateway.Connection) error {
	ctx, cancel := context.WithCancel(context.Background())
	q.mu.Lock()
	q.cancels[c.ID()] = cancel
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		t := time.NewTicker(q.interval)
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
			if done := q.poll(ctx, c); done {
				return
			}
		}
	}()
	return nil
}

// poll claims every unclaimed quest once. It reports true when polling should
// stop for good (no quest capability).
func (q *Quests) poll(ctx context.Context, c *gateway.Connection) bool {
	quests, err := c.Client().AvailableQuests(ctx)
	if errors.Is(err, gateway.ErrUnsupported) {
		q.logger.Debug("quests unsupported, stopping poller", slog.String("account_id", c.ID()))
		return true
	}
	if err != nil {
		q.logger.Warn("quest poll failed", slog.String("account_id", c.ID()), slog.Any("err", err))
		return false
	}

	for _, quest := range quests {
		key := c.ID() + "\x00" + quest.ID
		q.mu.Lock()
		_, seen := q.claimed[key]
		q.mu.Unlock()
		if seen {
			continue
		}
		if err := c.Acquire(ctx, "quest", ratelimit.TierAction); err != nil {
			return false
		}
		quest := quest
		err := withRemoteRetry(ctx, q.retryBackoff, q.logger, func() error {
			return c.Client().ClaimQuest(ctx, quest.ID)
		})
		if err != nil {
			q.logger.Warn("quest claim failed",
				slog.String("account_id", c.ID()),
				slog.String("quest_id", quest.ID),
				slog.Any("err", err))
			continue
		}
		q.mu.Lock()
		q.claimed[key] = struct{}{}
		q.mu.Unlock()
		q.logger.Info("quest claimed",
			slog.String("account_id", c.ID()),
			slog.String("quest_id", quest.ID),
			slog.String("name", quest.Name))
	}
	return false
}

// Detach stops the connection's poll loop and forgets its claims.
func (q *Quests) Detach(c *gateway.Connection) {
	q.mu.Lock()
	cancel, ok := q.cancels[c.ID()]
	if ok {
		delete(q.cancels, c.ID())
	}
	prefix := c.ID() + "\x00"
	for key := range q.claimed {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(q.claimed, key)
		}
	}
	q.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close stops every poll loop and waits for them to exit.
func (q *Quests) Close() {
	q.mu.Lock()
	for id, cancel := range q.cancels {
		cancel()
		delete(q.cancels, id)
	}
	q.mu.Unlock()
	q.wg.Wait()
}
