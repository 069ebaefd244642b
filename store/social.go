package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Friend request lifecycle states.
const (
	FriendPending  = "pending"
	FriendAccepted = "accepted"
	FriendGhosted  = "ghosted"
)

// FriendRequest tracks an inbound friend request and its outcome.
type FriendRequest struct {
	UserID    string
	AccountID string
	Username  string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RecordFriendRequest inserts a pending request; a replayed add event for the
// same user keeps the original row and timestamps.
func (s *Store) RecordFriendRequest(ctx context.Context, fr FriendRequest) error {
	status := fr.Status
	if status == "" {
		status = FriendPending
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO friend_requests(user_id, account_id, username, status, created_at, updated_at)
		 VALUES($1,$2,$3,$4,NOW(),NOW())
		 ON CONFLICT(user_id) DO NOTHING`,
		fr.UserID, fr.AccountID, fr.Username, status)
	if err != nil {
		return fmt.Errorf("record friend request: %w", err)
	}
	return nil
}

// SetFriendRequestStatus transitions an existing request. Unknown users are a
// no-op rather than an error; relationship events can arrive for users never
// seen as pending.
func (s *Store) SetFriendRequestStatus(ctx context.Context, userID, status string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE friend_requests SET status=$2, updated_at=NOW() WHERE user_id=$1`, userID, status)
	if err != nil {
		return fmt.Errorf("set friend request status: %w", err)
	}
	return nil
}

// FriendRequestsByStatus lists requests in one state, oldest first.
func (s *Store) FriendRequestsByStatus(ctx context.Context, status string) ([]FriendRequest, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT user_id, account_id, username, status, created_at, updated_at
		 FROM friend_requests WHERE status=$1 ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("list friend requests: %w", err)
	}
	defer rows.Close()
	var out []FriendRequest
	for rows.Next() {
		var fr FriendRequest
		if err := rows.Scan(&fr.UserID, &fr.AccountID, &fr.Username, &fr.Status, &fr.CreatedAt, &fr.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, fr)
	}
	return out, rows.Err()
}

// MessageLimits returns per-user retention overrides for the given users in
// one round trip. Users without an override are absent from the result.
func (s *Store) MessageLimits(ctx context.Context, userIDs []string) (map[string]int, error) {
	if len(userIDs) == 0 {
		return map[string]int{}, nil
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT user_id, message_limit FROM tracking_limits WHERE user_id = ANY($1)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("message limits: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var id string
		var limit int
		if err := rows.Scan(&id, &limit); err != nil {
			return nil, err
		}
		out[id] = limit
	}
	return out, rows.Err()
}

// SetMessageLimit stores or updates a per-user retention override.
func (s *Store) SetMessageLimit(ctx context.Context, userID string, limit int) error {
	if limit <= 0 {
		return fmt.Errorf("message limit must be positive, got %d", limit)
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO tracking_limits(user_id, message_limit, updated_at) VALUES($1,$2,NOW())
		 ON CONFLICT(user_id) DO UPDATE SET message_limit=EXCLUDED.message_limit, updated_at=NOW()`,
		userID, limit)
	if err != nil {
		return fmt.Errorf("set message limit: %w", err)
	}
	return nil
}

// ClearMessageLimit removes a per-user override, restoring the default cap.
func (s *Store) ClearMessageLimit(ctx context.Context, userID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM tracking_limits WHERE user_id=$1`, userID)
	if err != nil {
		return fmt.Errorf("clear message limit: %w", err)
	}
	return nil
}

// MessageLimitFor returns the override for one user, or def when none exists.
func (s *Store) MessageLimitFor(ctx context.Context, userID string, def int) (int, error) {
	var limit int
	err := s.DB.QueryRowContext(ctx,
		`SELECT message_limit FROM tracking_limits WHERE user_id=$1`, userID).Scan(&limit)
	if err == sql.ErrNoRows {
		return def, nil
	}
	if err != nil {
		return 0, fmt.Errorf("message limit for %s: %w", userID, err)
	}
	return limit, nil
}
