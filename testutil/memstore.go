// Package testutil provides in-memory fakes shared by package tests.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ewhitmore/chatwarden/store"
)

// MemStore is an in-memory stand-in for the Postgres layer. It mirrors the
// store's idempotence rules: message and event inserts keyed by message id
// are first-write-wins. All methods are safe for concurrent use.
type MemStore struct {
	mu        sync.Mutex
	Messages  map[string]store.Message
	Deletions map[string]store.Deletion
	Edits     map[string]store.Edit
	Mentions  map[string]store.Mention
	Friends   map[string]store.FriendRequest
	Limits    map[string]int

	// InsertErr, when set, fails InsertMessages without writing anything.
	InsertErr error
	// InsertCalls counts InsertMessages invocations, including failed ones.
	InsertCalls int
}

// NewMemStore returns an empty store fake.
func NewMemStore() *MemStore {
	return &MemStore{
		Messages:  make(map[string]store.Message),
		Deletions: make(map[string]store.Deletion),
		Edits:     make(map[string]store.Edit),
		Mentions:  make(map[string]store.Mention),
		Friends:   make(map[string]store.FriendRequest),
		Limits:    make(map[string]int),
	}
}

func (m *MemStore) InsertMessages(ctx context.Context, msgs []store.Message) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertCalls++
	if m.InsertErr != nil {
		return 0, m.InsertErr
	}
	var written int64
	for _, msg := range msgs {
		if _, ok := m.Messages[msg.MessageID]; ok {
			continue
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now()
		}
		m.Messages[msg.MessageID] = msg
		written++
	}
	return written, nil
}

func (m *MemStore) CountMessagesByUser(ctx context.Context, userIDs []string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		want[id] = struct{}{}
	}
	out := make(map[string]int)
	for _, msg := range m.Messages {
		if _, ok := want[msg.UserID]; ok {
			out[msg.UserID]++
		}
	}
	return out, nil
}

func (m *MemStore) MessageLimits(ctx context.Context, userIDs []string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int)
	for _, id := range userIDs {
		if limit, ok := m.Limits[id]; ok {
			out[id] = limit
		}
	}
	return out, nil
}

func (m *MemStore) DeleteOldestUserMessages(ctx context.Context, userID string, n int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var owned []store.Message
	for _, msg := range m.Messages {
		if msg.UserID == userID {
			owned = append(owned, msg)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].CreatedAt.Before(owned[j].CreatedAt) })
	if n > len(owned) {
		n = len(owned)
	}
	for _, msg := range owned[:n] {
		delete(m.Messages, msg.MessageID)
	}
	return int64(n), nil
}

func (m *MemStore) UpsertDeletion(ctx context.Context, d store.Deletion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Deletions[d.MessageID]; ok {
		return nil
	}
	m.Deletions[d.MessageID] = d
	return nil
}

func (m *MemStore) UpsertEdit(ctx context.Context, e store.Edit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Edits[e.MessageID]; ok {
		return nil
	}
	m.Edits[e.MessageID] = e
	return nil
}

func (m *MemStore) UpsertMention(ctx context.Context, mn store.Mention) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Mentions[mn.MessageID]; ok {
		return nil
	}
	m.Mentions[mn.MessageID] = mn
	return nil
}

func (m *MemStore) RecordFriendRequest(ctx context.Context, fr store.FriendRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fr.Status == "" {
		fr.Status = store.FriendPending
	}
	if _, ok := m.Friends[fr.UserID]; ok {
		return nil
	}
	m.Friends[fr.UserID] = fr
	return nil
}

func (m *MemStore) SetFriendRequestStatus(ctx context.Context, userID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fr, ok := m.Friends[userID]
	if !ok {
		return nil
	}
	fr.Status = status
	m.Friends[userID] = fr
	return nil
}

// MessageCount reports how many messages a user currently has stored.
func (m *MemStore) MessageCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.Messages {
		if msg.UserID == userID {
			n++
		}
	}
	return n
}

// HasMessage reports whether a message id is stored.
func (m *MemStore) HasMessage(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.Messages[id]
	return ok
}

// SetInsertErr arms or clears the injected InsertMessages failure.
func (m *MemStore) SetInsertErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertErr = err
}
