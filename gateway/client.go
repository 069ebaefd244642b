// Package gateway abstracts one chat protocol session behind a Client
// interface, wraps each session in a Connection owning its event registry,
// and supervises the set of connections through a Manager.
package gateway

import (
	"context"
	"errors"
	"time"
)

// Event names used as routing keys in the dispatch registry. Adapters emit
// only the subset their protocol supports; new names require no registry
// changes.
const (
	EventReady              = "ready"
	EventMessage            = "message"
	EventMessageEdit        = "message_edit"
	EventMessageDelete      = "message_delete"
	EventRelationshipAdd    = "relationship_add"
	EventRelationshipRemove = "relationship_remove"
	EventRelationshipUpdate = "relationship_update"
)

// ErrUnsupported is returned by client capabilities the underlying protocol
// does not offer. Modules treat it as "skip", not as a failure.
var ErrUnsupported = errors.New("capability not supported by this client")

// ErrRateLimited is returned when the remote service rejected an action for
// rate reasons. Callers retry exactly once after a fixed backoff.
var ErrRateLimited = errors.New("remote rate limited")

// ReadyEvent fires once the session is established.
type ReadyEvent struct {
	AccountID string
	Username  string
}

// MessageEvent is one observed chat message.
type MessageEvent struct {
	MessageID    string
	UserID       string
	Username     string
	ChannelID    string
	Channel      string
	Content      string
	Attachments  string
	ReplyToID    string
	MentionsSelf bool
	At           time.Time
}

// MessageEditEvent carries the before/after content of an edit.
type MessageEditEvent struct {
	MessageID string
	UserID    string
	ChannelID string
	Before    string
	After     string
	At        time.Time
}

// MessageDeleteEvent snapshots a message at deletion time.
type MessageDeleteEvent struct {
	MessageID   string
	UserID      string
	Username    string
	ChannelID   string
	Content     string
	Attachments string
	At          time.Time
}

// RelationshipEvent covers friend-request add, remove, and update.
type RelationshipEvent struct {
	UserID   string
	Username string
	// Kind refines relationship_update events (e.g. "accepted").
	Kind string
	At   time.Time
}

// Quest is one claimable promotional task exposed by the remote service.
type Quest struct {
	ID   string
	Name string
}

// EmitFunc delivers one protocol event to the owning connection.
type EmitFunc func(event string, payload any)

// Client is one protocol session. Run blocks until the session ends or ctx is
// cancelled; the connection layer handles reconnects. Capability methods
// return ErrUnsupported when the protocol has no equivalent.
type Client interface {
	// Run establishes the session and emits events until it ends. A nil
	// return means the session closed because ctx was cancelled.
	Run(ctx context.Context, emit EmitFunc) error

	SendMessage(ctx context.Context, channel, text string) error
	React(ctx context.Context, channelID, messageID, emoji string) error
	SetPresence(ctx context.Context, status string) error
	AvailableQuests(ctx context.Context) ([]Quest, error)
	ClaimQuest(ctx context.Context, questID string) error
}
