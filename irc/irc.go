// Package irc adapts a Twitch IRC session to the gateway.Client interface.
// IRC carries messages and message deletions (CLEARMSG); edits, relationship
// events, reactions, presence, and quests have no IRC equivalent, so the
// corresponding capabilities return gateway.ErrUnsupported.
package irc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/ewhitmore/chatwarden/gateway"
	"github.com/ewhitmore/chatwarden/twitchapi"
)

// Config describes one IRC session.
type Config struct {
	AccountID string
	Username  string
	// Token is the user OAuth token; the "oauth:" prefix is added if missing.
	Token    string
	Channels []string
}

// Client is a gateway.Client backed by gempir/go-twitch-irc. A fresh IRC
// client is built per Run call so reconnects start from a clean session.
type Client struct {
	cfg    Config
	helix  *twitchapi.HelixClient
	logger *slog.Logger

	// newConn builds the underlying IRC client. Swappable in tests.
	newConn func() *twitch.Client

	mu     sync.Mutex
	conn   *twitch.Client
	selfID string
}

func (c *Client) setConn(conn *twitch.Client) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) activeConn() *twitch.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) setSelfID(id string) {
	c.mu.Lock()
	c.selfID = id
	c.mu.Unlock()
}

func (c *Client) selfUserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

// New builds an IRC adapter. helix is optional; when set, the account's own
// user id is resolved on connect so the account's own messages are identified
// by id rather than by login-name comparison. Pass nil to skip resolution.
func New(cfg Config, helix *twitchapi.HelixClient, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	token := cfg.Token
	if token != "" && !strings.HasPrefix(token, "oauth:") {
		token = "oauth:" + token
	}
	cfg.Token = token
	return &Client{
		cfg:    cfg,
		helix:  helix,
		logger: logger.With(slog.String("component", "irc"), slog.String("username", cfg.Username)),
		newConn: func() *twitch.Client {
			return twitch.NewClient(cfg.Username, token)
		},
	}
}

// Run connects and emits events until the session ends or ctx is cancelled.
func (c *Client) Run(ctx context.Context, emit gateway.EmitFunc) error {
	conn := c.newConn()
	c.setConn(conn)
	defer c.setConn(nil)

	conn.OnConnect(func() {
		emit(gateway.EventReady, gateway.ReadyEvent{
			AccountID: c.cfg.AccountID,
			Username:  c.cfg.Username,
		})
		if c.helix != nil && c.selfUserID() == "" {
			go c.resolveSelf(ctx)
		}
	})

	conn.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		emit(gateway.EventMessage, c.messageEvent(msg))
	})

	conn.OnClearMessage(func(msg twitch.ClearMessage) {
		emit(gateway.EventMessageDelete, gateway.MessageDeleteEvent{
			MessageID: msg.TargetMsgID,
			Username:  msg.Login,
			ChannelID: msg.Channel,
			Content:   msg.Message,
			At:        time.Now(),
		})
	})

	for _, ch := range c.cfg.Channels {
		conn.Join(ch)
	}

	// Connect blocks; cancellation closes the session from the side.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			if err := conn.Disconnect(); err != nil {
				c.logger.Debug("disconnect", slog.Any("err", err))
			}
		case <-done:
		}
	}()

	err := conn.Connect()
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("irc session: %w", err)
	}
	return nil
}

// resolveSelf looks up the account's own user id through Helix. Best effort:
// on failure the adapter falls back to login-name comparison for
// self-detection and retries on the next connect.
func (c *Client) resolveSelf(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	id, err := c.helix.GetUserID(ctx, c.cfg.Username)
	if err != nil {
		c.logger.Warn("self user id lookup failed", slog.Any("err", err))
		return
	}
	c.setSelfID(id)
	c.logger.Info("resolved self user id", slog.String("user_id", id))
}

// messageEvent maps an inbound IRC message to the gateway payload. A message
// authored by the account itself never counts as a mention; the check prefers
// the Helix-resolved user id over login-name comparison because display names
// can differ from the login in case.
func (c *Client) messageEvent(msg twitch.PrivateMessage) gateway.MessageEvent {
	at := msg.Time
	if at.IsZero() {
		at = time.Now()
	}
	self := strings.ToLower(c.cfg.Username)
	mentions := mentionsSelf(msg.Message, self)
	if mentions {
		if sid := c.selfUserID(); sid != "" {
			if msg.User.ID == sid {
				mentions = false
			}
		} else if strings.ToLower(msg.User.Name) == self {
			mentions = false
		}
	}
	replyTo := ""
	if msg.Reply != nil {
		replyTo = msg.Reply.ParentMsgID
	}
	return gateway.MessageEvent{
		MessageID:    msg.ID,
		UserID:       msg.User.ID,
		Username:     msg.User.Name,
		ChannelID:    msg.RoomID,
		Channel:      msg.Channel,
		Content:      msg.Message,
		ReplyToID:    replyTo,
		MentionsSelf: mentions,
		At:           at,
	}
}

// mentionsSelf reports whether content @-mentions the given lowercase login.
func mentionsSelf(content, self string) bool {
	if self == "" {
		return false
	}
	lower := strings.ToLower(content)
	idx := 0
	for {
		i := strings.Index(lower[idx:], "@"+self)
		if i < 0 {
			return false
		}
		end := idx + i + 1 + len(self)
		// The login must end at a word boundary: "@alice!" mentions alice,
		// "@alicesmith" does not.
		if end >= len(lower) || !isLoginChar(lower[end]) {
			return true
		}
		idx = end
	}
}

func isLoginChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '_'
}

// SendMessage says text into a channel.
func (c *Client) SendMessage(ctx context.Context, channel, text string) error {
	conn := c.activeConn()
	if conn == nil {
		return fmt.Errorf("irc session not established")
	}
	conn.Say(channel, text)
	return nil
}

// React is not available over IRC.
func (c *Client) React(ctx context.Context, channelID, messageID, emoji string) error {
	return gateway.ErrUnsupported
}

// SetPresence is not available over IRC.
func (c *Client) SetPresence(ctx context.Context, status string) error {
	return gateway.ErrUnsupported
}

// AvailableQuests is not available over IRC.
func (c *Client) AvailableQuests(ctx context.Context) ([]gateway.Quest, error) {
	return nil, gateway.ErrUnsupported
}

// ClaimQuest is not available over IRC.
func (c *Client) ClaimQuest(ctx context.Context, questID string) error {
	return gateway.ErrUnsupported
}

// ResolveUserID resolves a login through Helix when configured.
func (c *Client) ResolveUserID(ctx context.Context, login string) (string, error) {
	if c.helix == nil {
		return "", gateway.ErrUnsupported
	}
	return c.helix.GetUserID(ctx, login)
}
