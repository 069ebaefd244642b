package modules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ewhitmore/chatwarden/gateway"
	"github.com/ewhitmore/chatwarden/msgbuffer"
	"github.com/ewhitmore/chatwarden/store"
)

// TrackerStore is the slice of the persistence layer the tracker writes
// immediately (everything except bulk message history, which goes through
// the buffer).
type TrackerStore interface {
	UpsertDeletion(ctx context.Context, d store.Deletion) error
	UpsertEdit(ctx context.Context, e store.Edit) error
	UpsertMention(ctx context.Context, m store.Mention) error
	RecordFriendRequest(ctx context.Context, fr store.FriendRequest) error
	SetFriendRequestStatus(ctx context.Context, userID, status string) error
}

// Tracker records observed chat activity. High-volume message history goes
// through the write buffer; deletions, edits, mentions, and relationship
// changes are low-volume and written immediately, idempotently by message id,
// so redelivered events never double-store.
type Tracker struct {
	buffer *msgbuffer.Buffer
	st     TrackerStore
	logger *slog.Logger
}

// NewTracker builds the tracking module.
func NewTracker(buffer *msgbuffer.Buffer, st TrackerStore, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		buffer: buffer,
		st:     st,
		logger: logger.With(slog.String("component", "tracker")),
	}
}

func (t *Tracker) Name() string { return "tracker" }

// Attach registers the tracker's handlers on the connection's registry.
func (t *Tracker) Attach(c *gateway.Connection) error {
	reg := c.Registry()
	acct := c.ID()

	reg.Register(gateway.EventMessage, t.Name(), func(ctx context.Context, payload any) error {
		ev, ok := payload.(gateway.MessageEvent)
		if !ok {
			return fmt.Errorf("unexpected payload %T", payload)
		}
		t.buffer.Enqueue(store.Message{
			MessageID:   ev.MessageID,
			AccountID:   acct,
			UserID:      ev.UserID,
			Username:    ev.Username,
			ChannelID:   ev.ChannelID,
			Channel:     ev.Channel,
			Content:     ev.Content,
			Attachments: ev.Attachments,
			ReplyToID:   ev.ReplyToID,
			CreatedAt:   ev.At,
		})
		if ev.MentionsSelf {
			return t.st.UpsertMention(ctx, store.Mention{
				MessageID:   ev.MessageID,
				AccountID:   acct,
				UserID:      ev.UserID,
				Username:    ev.Username,
				ChannelID:   ev.ChannelID,
				Content:     ev.Content,
				MentionedAt: ev.At,
			})
		}
		return nil
	})

	reg.Register(gateway.EventMessageEdit, t.Name(), func(ctx context.Context, payload any) error {
		ev, ok := payload.(gateway.MessageEditEvent)
		if !ok {
			return fmt.Errorf("unexpected payload %T", payload)
		}
		return t.st.UpsertEdit(ctx, store.Edit{
			MessageID:     ev.MessageID,
			AccountID:     acct,
			UserID:        ev.UserID,
			ChannelID:     ev.ChannelID,
			BeforeContent: ev.Before,
			AfterContent:  ev.After,
			EditedAt:      ev.At,
		})
	})

	reg.Register(gateway.EventMessageDelete, t.Name(), func(ctx context.Context, payload any) error {
		ev, ok := payload.(gateway.MessageDeleteEvent)
		if !ok {
			return fmt.Errorf("unexpected payload %T", payload)
		}
		return t.st.UpsertDeletion(ctx, store.Deletion{
			MessageID:   ev.MessageID,
			AccountID:   acct,
			UserID:      ev.UserID,
			Username:    ev.Username,
			ChannelID:   ev.ChannelID,
			Content:     ev.Content,
			Attachments: ev.Attachments,
			DeletedAt:   ev.At,
		})
	})

	reg.Register(gateway.EventRelationshipAdd, t.Name(), func(ctx context.Context, payload any) error {
		ev, ok := payload.(gateway.RelationshipEvent)
		if !ok {
			return fmt.Errorf("unexpected payload %T", payload)
		}
		return t.st.RecordFriendRequest(ctx, store.FriendRequest{
			UserID:    ev.UserID,
			AccountID: acct,
			Username:  ev.Username,
			Status:    store.FriendPending,
		})
	})

	reg.Register(gateway.EventRelationshipRemove, t.Name(), func(ctx context.Context, payload any) error {
		ev, ok := payload.(gateway.RelationshipEvent)
		if !ok {
			return fmt.Errorf("unexpected payload %T", payload)
		}
		return t.st.SetFriendRequestStatus(ctx, ev.UserID, store.FriendGhosted)
	})

	reg.Register(gateway.EventRelationshipUpdate, t.Name(), func(ctx context.Context, payload any) error {
		ev, ok := payload.(gateway.RelationshipEvent)
		if !ok {
			return fmt.Errorf("unexpected payload %T", payload)
		}
		if ev.Kind == "accepted" {
			return t.st.SetFriendRequestStatus(ctx, ev.UserID, store.FriendAccepted)
		}
		return nil
	})

	return nil
}

// Detach removes every tracker handler from the connection.
func (t *Tracker) Detach(c *gateway.Connection) {
	c.Registry().UnregisterModule(t.Name())
}
