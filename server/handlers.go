package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ewhitmore/chatwarden/gateway"
	"github.com/ewhitmore/chatwarden/modules"
	"github.com/ewhitmore/chatwarden/msgbuffer"
	"github.com/ewhitmore/chatwarden/store"
	"github.com/ewhitmore/chatwarden/twitchapi"
)

// Store is the slice of the persistence layer the HTTP handlers need.
type Store interface {
	Ping(ctx context.Context) error
	RecentDeletions(ctx context.Context, channelID string, limit int) ([]store.Deletion, error)
	SetMessageLimit(ctx context.Context, userID string, limit int) error
	ClearMessageLimit(ctx context.Context, userID string) error
	UpsertAccount(ctx context.Context, a store.Account) error
	SetAccountState(ctx context.Context, id, state string) error
}

// Handlers holds the dependencies behind the HTTP routes. Reply and React are
// optional; their endpoints answer 503 when the module is not configured.
// Helix and Channels are optional; when both are set /status reports which of
// the joined channels are currently live.
type Handlers struct {
	Store    Store
	Manager  *gateway.Manager
	Buffer   *msgbuffer.Buffer
	Reply    *modules.AutoReply
	React    *modules.AutoReact
	Helix    *twitchapi.HelixClient
	Channels []string
	Version  string
	Logger   *slog.Logger
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleHealthz reports process liveness.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReadyz reports readiness: the database answers and at least one
// connection has a live session.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	if h.Manager == nil || !h.Manager.AnyReady() {
		writeError(w, http.StatusServiceUnavailable, "no ready connections")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	Version       string                   `json:"version"`
	Time          time.Time                `json:"time"`
	Connections   []gateway.ConnectionInfo `json:"connections"`
	BufferPending int                      `json:"buffer_pending"`
	LiveChannels  []string                 `json:"live_channels,omitempty"`
}

// HandleStatus returns the connection roster, write-pipeline depth, and which
// joined channels are currently live.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version: h.Version,
		Time:    time.Now().UTC(),
	}
	if h.Manager != nil {
		resp.Connections = h.Manager.Snapshot()
	}
	if h.Buffer != nil {
		resp.BufferPending = h.Buffer.Len()
	}
	if h.Helix != nil && len(h.Channels) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		streams, err := h.Helix.GetStreams(ctx, h.Channels...)
		cancel()
		if err != nil {
			// Live status is best effort; the rest of /status still answers.
			h.logger().Warn("live channel lookup failed", slog.Any("err", err), slog.String("component", "http"))
		} else {
			for _, s := range streams {
				resp.LiveChannels = append(resp.LiveChannels, s.UserLogin)
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type deletionView struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	ChannelID string    `json:"channel_id"`
	Content   string    `json:"content"`
	DeletedAt time.Time `json:"deleted_at"`
}

// HandleDeletions returns the most recent captured deletions for a channel.
func (h *Handlers) HandleDeletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	channelID := r.URL.Query().Get("channel_id")
	if channelID == "" {
		writeError(w, http.StatusBadRequest, "channel_id is required")
		return
	}
	limit := 25
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > 100 {
			n = 100
		}
		limit = n
	}

	dels, err := h.Store.RecentDeletions(r.Context(), channelID, limit)
	if err != nil {
		h.logger().Error("recent deletions query failed", slog.Any("err", err), slog.String("component", "http"))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	out := make([]deletionView, 0, len(dels))
	for _, d := range dels {
		out = append(out, deletionView{
			MessageID: d.MessageID,
			UserID:    d.UserID,
			Username:  d.Username,
			ChannelID: d.ChannelID,
			Content:   d.Content,
			DeletedAt: d.DeletedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"deletions": out})
}

type trackingLimitRequest struct {
	UserID       string `json:"user_id"`
	MessageLimit int    `json:"message_limit"`
}

// HandleTrackingLimit sets (POST) or clears (DELETE) a per-user retention
// override.
func (h *Handlers) HandleTrackingLimit(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req trackingLimitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.UserID == "" {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}
		if req.MessageLimit <= 0 {
			writeError(w, http.StatusBadRequest, "message_limit must be positive")
			return
		}
		if err := h.Store.SetMessageLimit(r.Context(), req.UserID, req.MessageLimit); err != nil {
			h.logger().Error("set message limit failed", slog.Any("err", err), slog.String("component", "http"))
			writeError(w, http.StatusInternalServerError, "store update failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user_id": req.UserID, "message_limit": req.MessageLimit})

	case http.MethodDelete:
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}
		if err := h.Store.ClearMessageLimit(r.Context(), userID); err != nil {
			h.logger().Error("clear message limit failed", slog.Any("err", err), slog.String("component", "http"))
			writeError(w, http.StatusInternalServerError, "store update failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"user_id": userID, "status": "cleared"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type accountRequest struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    string `json:"expires_at"`
	Provider     string `json:"provider"`
}

// HandleAccounts creates a credential and brings its connection online without
// a restart. Tokens never appear in the response.
func (h *Handlers) HandleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ID == "" || req.Username == "" || req.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "id, username and access_token are required")
		return
	}
	acct := store.Account{
		ID:           req.ID,
		Username:     req.Username,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		Provider:     req.Provider,
	}
	if req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "expires_at must be RFC3339")
			return
		}
		acct.ExpiresAt = t
	}

	if err := h.Store.UpsertAccount(r.Context(), acct); err != nil {
		h.logger().Error("upsert account failed", slog.Any("err", err), slog.String("component", "http"))
		writeError(w, http.StatusInternalServerError, "store update failed")
		return
	}
	if h.Manager != nil {
		if _, err := h.Manager.Add(acct); err != nil {
			if strings.Contains(err.Error(), "already exists") {
				writeError(w, http.StatusConflict, "connection already exists")
				return
			}
			h.logger().Error("add connection failed", slog.Any("err", err), slog.String("component", "http"))
			writeError(w, http.StatusInternalServerError, "connection setup failed")
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": acct.ID, "username": acct.Username})
}

// HandleAccountByID removes a connection and disables its credential.
func (h *Handlers) HandleAccountByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/admin/accounts/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "account id is required")
		return
	}
	if h.Manager != nil {
		if err := h.Manager.Remove(r.Context(), id); err != nil {
			writeError(w, http.StatusNotFound, "connection not found")
			return
		}
	}
	if err := h.Store.SetAccountState(r.Context(), id, store.AccountDisabled); err != nil {
		h.logger().Error("disable account failed", slog.Any("err", err), slog.String("component", "http"))
		writeError(w, http.StatusInternalServerError, "store update failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "removed"})
}

type afkRequest struct {
	AccountID string `json:"account_id"`
	Message   string `json:"message"`
	Enabled   bool   `json:"enabled"`
}

// HandleAFK toggles the away auto-reply for one account.
func (h *Handlers) HandleAFK(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.Reply == nil {
		writeError(w, http.StatusServiceUnavailable, "auto-reply is not configured")
		return
	}
	var req afkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	if req.Enabled {
		if req.Message == "" {
			writeError(w, http.StatusBadRequest, "message is required to enable")
			return
		}
		h.Reply.EnableFor(req.AccountID, req.Message)
	} else {
		h.Reply.DisableFor(req.AccountID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": req.AccountID, "enabled": req.Enabled})
}

type reactionRuleRequest struct {
	UserID    string   `json:"user_id"`
	Reactions []string `json:"reactions"`
}

// HandleReactions sets or clears the reaction rotation for a user. An empty
// reactions list clears the rule.
func (h *Handlers) HandleReactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.React == nil {
		writeError(w, http.StatusServiceUnavailable, "auto-react is not configured")
		return
	}
	var req reactionRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if len(req.Reactions) == 0 {
		h.React.ClearRule(req.UserID)
		writeJSON(w, http.StatusOK, map[string]string{"user_id": req.UserID, "status": "cleared"})
		return
	}
	h.React.SetRule(req.UserID, req.Reactions)
	writeJSON(w, http.StatusOK, map[string]any{"user_id": req.UserID, "reactions": req.Reactions})
}
