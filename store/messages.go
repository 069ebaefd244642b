package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Message is one observed chat message, keyed by the protocol message id.
type Message struct {
	MessageID   string
	AccountID   string
	UserID      string
	Username    string
	ChannelID   string
	Channel     string
	Content     string
	Attachments string
	ReplyToID   string
	CreatedAt   time.Time
}

// Deletion snapshots a message at the moment it was deleted.
type Deletion struct {
	MessageID   string
	AccountID   string
	UserID      string
	Username    string
	ChannelID   string
	Content     string
	Attachments string
	DeletedAt   time.Time
}

// Edit records the before/after content of an edited message.
type Edit struct {
	MessageID     string
	AccountID     string
	UserID        string
	ChannelID     string
	BeforeContent string
	AfterContent  string
	EditedAt      time.Time
}

// Mention records a message that mentioned the owning account.
type Mention struct {
	MessageID   string
	AccountID   string
	UserID      string
	Username    string
	ChannelID   string
	Content     string
	MentionedAt time.Time
}

// insertMaxRows caps the rows per INSERT statement. Postgres allows 65535
// bind parameters per statement; at 10 columns that is 6553 rows. 5000 leaves
// headroom so an arbitrarily large requeued batch always fits statement by
// statement.
const insertMaxRows = 5000

// InsertMessages bulk-inserts a batch, split into bounded multi-row
// statements. Rows whose message_id already exists are silently skipped
// (ON CONFLICT DO NOTHING), so replaying a batch after a partial failure is
// safe: chunks written before the failure dedupe on the retry. Returns the
// number of rows written.
func (s *Store) InsertMessages(ctx context.Context, msgs []Message) (int64, error) {
	var total int64
	for start := 0; start < len(msgs); start += insertMaxRows {
		end := start + insertMaxRows
		if end > len(msgs) {
			end = len(msgs)
		}
		n, err := s.insertMessageChunk(ctx, msgs[start:end])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (s *Store) insertMessageChunk(ctx context.Context, msgs []Message) (int64, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	const cols = 10
	var sb strings.Builder
	sb.WriteString(`INSERT INTO user_messages
		(message_id, account_id, user_id, username, channel_id, channel, content, attachments, reply_to_id, created_at) VALUES `)
	args := make([]any, 0, len(msgs)*cols)
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString(",")
		}
		base := i * cols
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10)
		created := m.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		args = append(args, m.MessageID, m.AccountID, m.UserID, m.Username,
			m.ChannelID, m.Channel, m.Content, m.Attachments, m.ReplyToID, created)
	}
	sb.WriteString(` ON CONFLICT(message_id) DO NOTHING`)
	res, err := s.DB.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("insert messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UpsertDeletion records a deletion exactly once per message id. Re-delivered
// delete events for the same message are a no-op.
func (s *Store) UpsertDeletion(ctx context.Context, d Deletion) error {
	when := d.DeletedAt
	if when.IsZero() {
		when = time.Now()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO deleted_messages(message_id, account_id, user_id, username, channel_id, content, attachments, deleted_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT(message_id) DO NOTHING`,
		d.MessageID, d.AccountID, d.UserID, d.Username, d.ChannelID, d.Content, d.Attachments, when)
	if err != nil {
		return fmt.Errorf("upsert deletion: %w", err)
	}
	return nil
}

// UpsertEdit records the first observed edit of a message id; later edits of
// the same message keep the original before-content.
func (s *Store) UpsertEdit(ctx context.Context, e Edit) error {
	when := e.EditedAt
	if when.IsZero() {
		when = time.Now()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO edited_messages(message_id, account_id, user_id, channel_id, before_content, after_content, edited_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT(message_id) DO NOTHING`,
		e.MessageID, e.AccountID, e.UserID, e.ChannelID, e.BeforeContent, e.AfterContent, when)
	if err != nil {
		return fmt.Errorf("upsert edit: %w", err)
	}
	return nil
}

// UpsertMention records a mention exactly once per message id.
func (s *Store) UpsertMention(ctx context.Context, m Mention) error {
	when := m.MentionedAt
	if when.IsZero() {
		when = time.Now()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO mentions(message_id, account_id, user_id, username, channel_id, content, mentioned_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT(message_id) DO NOTHING`,
		m.MessageID, m.AccountID, m.UserID, m.Username, m.ChannelID, m.Content, when)
	if err != nil {
		return fmt.Errorf("upsert mention: %w", err)
	}
	return nil
}

// CountMessagesByUser returns stored message counts for the given users in a
// single round trip. Users with no rows are absent from the result.
func (s *Store) CountMessagesByUser(ctx context.Context, userIDs []string) (map[string]int, error) {
	if len(userIDs) == 0 {
		return map[string]int{}, nil
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT user_id, COUNT(*) FROM user_messages WHERE user_id = ANY($1) GROUP BY user_id`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int, len(userIDs))
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

// DeleteOldestUserMessages removes the user's n oldest rows by created_at.
func (s *Store) DeleteOldestUserMessages(ctx context.Context, userID string, n int) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM user_messages WHERE message_id IN (
			SELECT message_id FROM user_messages WHERE user_id = $1
			ORDER BY created_at ASC LIMIT $2)`, userID, n)
	if err != nil {
		return 0, fmt.Errorf("delete oldest messages: %w", err)
	}
	return res.RowsAffected()
}

// RecentDeletions returns the latest deletion snapshots for a channel,
// newest first.
func (s *Store) RecentDeletions(ctx context.Context, channelID string, limit int) ([]Deletion, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT message_id, account_id, user_id, username, channel_id, content, attachments, deleted_at
		 FROM deleted_messages WHERE channel_id = $1
		 ORDER BY deleted_at DESC LIMIT $2`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent deletions: %w", err)
	}
	defer rows.Close()
	var out []Deletion
	for rows.Next() {
		var d Deletion
		if err := rows.Scan(&d.MessageID, &d.AccountID, &d.UserID, &d.Username,
			&d.ChannelID, &d.Content, &d.Attachments, &d.DeletedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
