package testutil

import (
	"context"
	"sync"

	"github.com/ewhitmore/chatwarden/gateway"
)

// SentMessage is one SendMessage call observed by the fake.
type SentMessage struct {
	Channel string
	Text    string
}

// Reaction is one React call observed by the fake.
type Reaction struct {
	ChannelID string
	MessageID string
	Emoji     string
}

// FakeClient is a scripted gateway.Client. Tests push events through Emit,
// inspect outbound calls, and inject per-call failures. Safe for concurrent
// use.
type FakeClient struct {
	mu sync.Mutex

	// Ready is emitted when Run establishes a session.
	Ready gateway.ReadyEvent
	// FailRuns makes the first n Run calls return RunErr immediately.
	FailRuns int
	// RunErr is the session-end error for failed runs (and Disconnect).
	RunErr error

	// SendErrs are consumed one per SendMessage call; nil entries succeed.
	SendErrs []error
	// Unsupported marks capabilities that return gateway.ErrUnsupported.
	Unsupported map[string]bool
	// Quests is returned by AvailableQuests.
	Quests []gateway.Quest

	Sent      []SentMessage
	Reactions []Reaction
	Presences []string
	Claimed   []string
	Runs      int

	emit       gateway.EmitFunc
	disconnect chan struct{}
	sessionUp  chan struct{}
}

// NewFakeClient returns a fake that connects successfully and supports every
// capability.
func NewFakeClient(accountID, username string) *FakeClient {
	return &FakeClient{
		Ready:     gateway.ReadyEvent{AccountID: accountID, Username: username},
		sessionUp: make(chan struct{}, 1),
	}
}

func (f *FakeClient) Run(ctx context.Context, emit gateway.EmitFunc) error {
	f.mu.Lock()
	f.Runs++
	if f.FailRuns > 0 {
		f.FailRuns--
		err := f.RunErr
		f.mu.Unlock()
		return err
	}
	f.emit = emit
	f.disconnect = make(chan struct{})
	disconnect := f.disconnect
	ready := f.Ready
	f.mu.Unlock()

	emit(gateway.EventReady, ready)
	select {
	case f.sessionUp <- struct{}{}:
	default:
	}

	select {
	case <-ctx.Done():
		return nil
	case <-disconnect:
		f.mu.Lock()
		err := f.RunErr
		f.mu.Unlock()
		return err
	}
}

// WaitSession blocks until Run has established a session.
func (f *FakeClient) WaitSession() { <-f.sessionUp }

// Emit pushes one event through the live session.
func (f *FakeClient) Emit(event string, payload any) {
	f.mu.Lock()
	emit := f.emit
	f.mu.Unlock()
	if emit != nil {
		emit(event, payload)
	}
}

// Disconnect ends the live session with RunErr.
func (f *FakeClient) Disconnect() {
	f.mu.Lock()
	d := f.disconnect
	f.disconnect = nil
	f.mu.Unlock()
	if d != nil {
		close(d)
	}
}

func (f *FakeClient) SendMessage(ctx context.Context, channel, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unsupported["send"] {
		return gateway.ErrUnsupported
	}
	var err error
	if len(f.SendErrs) > 0 {
		err = f.SendErrs[0]
		f.SendErrs = f.SendErrs[1:]
	}
	if err != nil {
		return err
	}
	f.Sent = append(f.Sent, SentMessage{Channel: channel, Text: text})
	return nil
}

func (f *FakeClient) React(ctx context.Context, channelID, messageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unsupported["react"] {
		return gateway.ErrUnsupported
	}
	f.Reactions = append(f.Reactions, Reaction{ChannelID: channelID, MessageID: messageID, Emoji: emoji})
	return nil
}

func (f *FakeClient) SetPresence(ctx context.Context, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unsupported["presence"] {
		return gateway.ErrUnsupported
	}
	f.Presences = append(f.Presences, status)
	return nil
}

func (f *FakeClient) AvailableQuests(ctx context.Context) ([]gateway.Quest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unsupported["quests"] {
		return nil, gateway.ErrUnsupported
	}
	out := make([]gateway.Quest, len(f.Quests))
	copy(out, f.Quests)
	return out, nil
}

func (f *FakeClient) ClaimQuest(ctx context.Context, questID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unsupported["quests"] {
		return gateway.ErrUnsupported
	}
	f.Claimed = append(f.Claimed, questID)
	return nil
}

// PresenceList returns a copy of the presence updates so far.
func (f *FakeClient) PresenceList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Presences...)
}

// ClaimedList returns a copy of the claimed quest ids so far.
func (f *FakeClient) ClaimedList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Claimed...)
}

// SentCount returns the number of successful sends.
func (f *FakeClient) SentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sent)
}

// RunCount returns how many times Run was invoked.
func (f *FakeClient) RunCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Runs
}
