package irc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/ewhitmore/chatwarden/gateway"
	"github.com/ewhitmore/chatwarden/twitchapi"
)

// rewriteTransport rewrites all requests to the test server.
type rewriteTransport struct {
	Transport http.RoundTripper
	host      string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	if t.host != "" {
		host := strings.TrimPrefix(t.host, "http://")
		req.URL.Host = host
	}
	return t.Transport.RoundTrip(req)
}

func newTestHelix(server *httptest.Server) *twitchapi.HelixClient {
	rewrite := &http.Client{Transport: &rewriteTransport{
		Transport: http.DefaultTransport,
		host:      server.URL,
	}}
	ts := &twitchapi.TokenSource{ClientID: "test-client-id", ClientSecret: "test-secret", HTTPClient: rewrite}
	ts.SetToken("test-token", time.Now().Add(time.Hour))
	return &twitchapi.HelixClient{AppTokenSource: ts, ClientID: "test-client-id", HTTPClient: rewrite}
}

func TestNewPrefixesOAuthToken(t *testing.T) {
	c := New(Config{Username: "alice", Token: "abc123"}, nil, nil)
	if c.cfg.Token != "oauth:abc123" {
		t.Errorf("token = %q, want oauth: prefix added", c.cfg.Token)
	}
	c = New(Config{Username: "alice", Token: "oauth:abc123"}, nil, nil)
	if c.cfg.Token != "oauth:abc123" {
		t.Errorf("token = %q, want prefix untouched", c.cfg.Token)
	}
}

func TestMentionsSelf(t *testing.T) {
	tests := []struct {
		content string
		self    string
		want    bool
	}{
		{"hey @alice how are you", "alice", true},
		{"hey @Alice!", "alice", true},
		{"@alice", "alice", true},
		{"@alicesmith hello", "alice", false},
		{"@alicesmith and @alice", "alice", true},
		{"no mention here", "alice", false},
		{"email alice@example.com", "alice", false},
		{"anything", "", false},
	}
	for _, tt := range tests {
		if got := mentionsSelf(tt.content, tt.self); got != tt.want {
			t.Errorf("mentionsSelf(%q, %q) = %v, want %v", tt.content, tt.self, got, tt.want)
		}
	}
}

func TestResolveSelfSetsUserID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("login"); got != "alice" {
			t.Errorf("login = %q, want alice", got)
		}
		fmt.Fprint(w, `{"data":[{"id":"12345","login":"alice","display_name":"Alice"}]}`)
	}))
	defer server.Close()

	c := New(Config{AccountID: "acct1", Username: "alice", Token: "abc"}, newTestHelix(server), nil)
	c.resolveSelf(context.Background())
	if got := c.selfUserID(); got != "12345" {
		t.Errorf("selfUserID = %q, want 12345", got)
	}
}

func TestMessageEventSuppressesSelfMentions(t *testing.T) {
	c := New(Config{AccountID: "acct1", Username: "alice", Token: "abc"}, nil, nil)

	msg := func(userID, userName, content string) twitch.PrivateMessage {
		return twitch.PrivateMessage{
			ID:      "m1",
			User:    twitch.User{ID: userID, Name: userName},
			Channel: "#general",
			Message: content,
		}
	}

	// Without a resolved id, self-detection falls back to the login name.
	if ev := c.messageEvent(msg("u9", "alice", "@alice note to self")); ev.MentionsSelf {
		t.Error("own message counted as mention via login fallback")
	}
	if ev := c.messageEvent(msg("u7", "bob", "@alice hi")); !ev.MentionsSelf {
		t.Error("mention from another user not detected")
	}

	// With the resolved id, the id comparison wins even when the author's
	// display name does not match the login.
	c.setSelfID("u9")
	if ev := c.messageEvent(msg("u9", "AliceLive", "@alice brb")); ev.MentionsSelf {
		t.Error("own message counted as mention despite matching self id")
	}
	if ev := c.messageEvent(msg("u7", "bob", "@alice hi")); !ev.MentionsSelf {
		t.Error("mention lost after self id resolution")
	}
	if ev := c.messageEvent(msg("u7", "bob", "hello there")); ev.MentionsSelf {
		t.Error("non-mention flagged")
	}
}

func TestSendMessageWithoutSession(t *testing.T) {
	c := New(Config{Username: "alice", Token: "abc"}, nil, nil)
	if err := c.SendMessage(context.Background(), "#chan", "hi"); err == nil {
		t.Error("SendMessage succeeded without a live session")
	}
}

func TestUnsupportedCapabilities(t *testing.T) {
	c := New(Config{Username: "alice", Token: "abc"}, nil, nil)
	ctx := context.Background()
	if err := c.React(ctx, "ch", "m1", "wave"); !errors.Is(err, gateway.ErrUnsupported) {
		t.Errorf("React err = %v, want ErrUnsupported", err)
	}
	if err := c.SetPresence(ctx, "online"); !errors.Is(err, gateway.ErrUnsupported) {
		t.Errorf("SetPresence err = %v, want ErrUnsupported", err)
	}
	if _, err := c.AvailableQuests(ctx); !errors.Is(err, gateway.ErrUnsupported) {
		t.Errorf("AvailableQuests err = %v, want ErrUnsupported", err)
	}
	if err := c.ClaimQuest(ctx, "q1"); !errors.Is(err, gateway.ErrUnsupported) {
		t.Errorf("ClaimQuest err = %v, want ErrUnsupported", err)
	}
	if _, err := c.ResolveUserID(ctx, "bob"); !errors.Is(err, gateway.ErrUnsupported) {
		t.Errorf("ResolveUserID err = %v, want ErrUnsupported without helix", err)
	}
}
