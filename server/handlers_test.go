package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ewhitmore/chatwarden/gateway"
	"github.com/ewhitmore/chatwarden/modules"
	"github.com/ewhitmore/chatwarden/ratelimit"
	"github.com/ewhitmore/chatwarden/store"
	"github.com/ewhitmore/chatwarden/telemetry"
	"github.com/ewhitmore/chatwarden/testutil"
	"github.com/ewhitmore/chatwarden/twitchapi"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	m.Run()
}

type fakeStore struct {
	mu        sync.Mutex
	pingErr   error
	limits    map[string]int
	accounts  map[string]store.Account
	states    map[string]string
	deletions []store.Deletion
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		limits:   make(map[string]int),
		accounts: make(map[string]store.Account),
		states:   make(map[string]string),
	}
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeStore) RecentDeletions(ctx context.Context, channelID string, limit int) ([]store.Deletion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Deletion
	for _, d := range f.deletions {
		if d.ChannelID == channelID && len(out) < limit {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) SetMessageLimit(ctx context.Context, userID string, limit int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits[userID] = limit
	return nil
}

func (f *fakeStore) ClearMessageLimit(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.limits, userID)
	return nil
}

func (f *fakeStore) UpsertAccount(ctx context.Context, a store.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[a.ID] = a
	return nil
}

func (f *fakeStore) SetAccountState(ctx context.Context, id, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = state
	return nil
}

func newTestHandlers(st *fakeStore) (*Handlers, *gateway.Manager) {
	clients := map[string]*testutil.FakeClient{}
	factory := func(acct store.Account) (gateway.Client, error) {
		fc := testutil.NewFakeClient(acct.ID, acct.Username)
		clients[acct.ID] = fc
		return fc, nil
	}
	mgr := gateway.NewManager(factory, ratelimit.New(ratelimit.Config{}), nil)
	return &Handlers{Store: st, Manager: mgr}, mgr
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h, _ := newTestHandlers(newFakeStore())
	rec := doJSON(t, NewMux(h), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Error("missing correlation id header")
	}
}

func TestReadyzReflectsStoreAndConnections(t *testing.T) {
	st := newFakeStore()
	h, mgr := newTestHandlers(st)
	mux := NewMux(h)

	st.pingErr = errors.New("down")
	if rec := doJSON(t, mux, http.MethodGet, "/readyz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz with dead store = %d, want 503", rec.Code)
	}

	st.pingErr = nil
	if rec := doJSON(t, mux, http.MethodGet, "/readyz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz with no connections = %d, want 503", rec.Code)
	}

	conn, err := mgr.Add(store.Account{ID: "acct1", Username: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn.Start(ctx)
	waitFor(t, "connection ready", func() bool { return mgr.AnyReady() })

	if rec := doJSON(t, mux, http.MethodGet, "/readyz", nil); rec.Code != http.StatusOK {
		t.Errorf("readyz with ready connection = %d, want 200", rec.Code)
	}
	conn.Stop()
}

func TestStatusListsConnections(t *testing.T) {
	h, mgr := newTestHandlers(newFakeStore())
	if _, err := mgr.Add(store.Account{ID: "acct1", Username: "alice"}); err != nil {
		t.Fatal(err)
	}
	rec := doJSON(t, NewMux(h), http.MethodGet, "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Connections []gateway.ConnectionInfo `json:"connections"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Connections) != 1 || resp.Connections[0].Username != "alice" {
		t.Errorf("connections = %+v, want alice", resp.Connections)
	}
}

// rewriteTransport rewrites all requests to the test server.
type rewriteTransport struct {
	Transport http.RoundTripper
	host      string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	if t.host != "" {
		req.URL.Host = strings.TrimPrefix(t.host, "http://")
	}
	return t.Transport.RoundTrip(req)
}

func TestStatusReportsLiveChannels(t *testing.T) {
	helixSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query()["user_login"]; len(got) != 2 {
			t.Errorf("user_login query = %v, want two logins", got)
		}
		fmt.Fprint(w, `{"data":[{"user_id":"u1","user_login":"general","title":"live now"}]}`)
	}))
	defer helixSrv.Close()

	rewrite := &http.Client{Transport: &rewriteTransport{
		Transport: http.DefaultTransport,
		host:      helixSrv.URL,
	}}
	ts := &twitchapi.TokenSource{ClientID: "test-client-id", ClientSecret: "test-secret", HTTPClient: rewrite}
	ts.SetToken("test-token", time.Now().Add(time.Hour))

	h, _ := newTestHandlers(newFakeStore())
	h.Helix = &twitchapi.HelixClient{AppTokenSource: ts, ClientID: "test-client-id", HTTPClient: rewrite}
	h.Channels = []string{"general", "offtopic"}

	rec := doJSON(t, NewMux(h), http.MethodGet, "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		LiveChannels []string `json:"live_channels"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.LiveChannels) != 1 || resp.LiveChannels[0] != "general" {
		t.Errorf("live_channels = %v, want [general]", resp.LiveChannels)
	}
}

func TestDeletionsEndpoint(t *testing.T) {
	st := newFakeStore()
	st.deletions = []store.Deletion{
		{MessageID: "m1", ChannelID: "ch1", Username: "bob", Content: "oops", DeletedAt: time.Now()},
		{MessageID: "m2", ChannelID: "ch2", Username: "eve", Content: "other"},
	}
	h, _ := newTestHandlers(st)
	mux := NewMux(h)

	if rec := doJSON(t, mux, http.MethodGet, "/deletions", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("deletions without channel_id = %d, want 400", rec.Code)
	}

	rec := doJSON(t, mux, http.MethodGet, "/deletions?channel_id=ch1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("deletions = %d, want 200", rec.Code)
	}
	var resp struct {
		Deletions []deletionView `json:"deletions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Deletions) != 1 || resp.Deletions[0].MessageID != "m1" {
		t.Errorf("deletions = %+v, want only m1", resp.Deletions)
	}
}

func TestTrackingLimitSetAndClear(t *testing.T) {
	st := newFakeStore()
	h, _ := newTestHandlers(st)
	mux := NewMux(h)

	rec := doJSON(t, mux, http.MethodPost, "/admin/tracking/limit", trackingLimitRequest{UserID: "u1", MessageLimit: 500})
	if rec.Code != http.StatusOK {
		t.Fatalf("set limit = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if st.limits["u1"] != 500 {
		t.Errorf("limit = %d, want 500", st.limits["u1"])
	}

	if rec := doJSON(t, mux, http.MethodPost, "/admin/tracking/limit", trackingLimitRequest{UserID: "u1"}); rec.Code != http.StatusBadRequest {
		t.Errorf("zero limit = %d, want 400", rec.Code)
	}

	if rec := doJSON(t, mux, http.MethodDelete, "/admin/tracking/limit?user_id=u1", nil); rec.Code != http.StatusOK {
		t.Fatalf("clear limit = %d, want 200", rec.Code)
	}
	if _, ok := st.limits["u1"]; ok {
		t.Error("limit still set after clear")
	}
}

func TestAccountAddAndRemove(t *testing.T) {
	st := newFakeStore()
	h, mgr := newTestHandlers(st)
	mux := NewMux(h)

	req := accountRequest{ID: "acct1", Username: "alice", AccessToken: "tok"}
	rec := doJSON(t, mux, http.MethodPost, "/admin/accounts", req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add account = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if _, ok := st.accounts["acct1"]; !ok {
		t.Error("account not stored")
	}
	if mgr.Len() != 1 {
		t.Errorf("manager len = %d, want 1", mgr.Len())
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("tok")) {
		t.Error("response leaks access token")
	}

	if rec := doJSON(t, mux, http.MethodPost, "/admin/accounts", req); rec.Code != http.StatusConflict {
		t.Errorf("duplicate add = %d, want 409", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodDelete, "/admin/accounts/acct1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("remove account = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if mgr.Len() != 0 {
		t.Errorf("manager len after remove = %d, want 0", mgr.Len())
	}
	if st.states["acct1"] != store.AccountDisabled {
		t.Errorf("state = %q, want disabled", st.states["acct1"])
	}

	if rec := doJSON(t, mux, http.MethodDelete, "/admin/accounts/ghost", nil); rec.Code != http.StatusNotFound {
		t.Errorf("remove unknown = %d, want 404", rec.Code)
	}
}

func TestAdminAuthRequiresToken(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "s3cret")
	h, _ := newTestHandlers(newFakeStore())
	mux := NewMux(h)

	if rec := doJSON(t, mux, http.MethodPost, "/admin/tracking/limit", trackingLimitRequest{UserID: "u1", MessageLimit: 5}); rec.Code != http.StatusUnauthorized {
		t.Errorf("admin without token = %d, want 401", rec.Code)
	}

	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(trackingLimitRequest{UserID: "u1", MessageLimit: 5})
	req := httptest.NewRequest(http.MethodPost, "/admin/tracking/limit", &buf)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("admin with token = %d, want 200", rec.Code)
	}

	// Public routes stay open.
	if rec := doJSON(t, mux, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz with token set = %d, want 200", rec.Code)
	}
}

func TestAFKToggle(t *testing.T) {
	h, _ := newTestHandlers(newFakeStore())
	h.Reply = modules.NewAutoReply(modules.AutoReplyConfig{}, nil)
	mux := NewMux(h)

	rec := doJSON(t, mux, http.MethodPost, "/admin/afk", afkRequest{AccountID: "acct1", Message: "brb", Enabled: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("enable afk = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if !h.Reply.IsAway("acct1") {
		t.Error("account not marked away")
	}

	if rec := doJSON(t, mux, http.MethodPost, "/admin/afk", afkRequest{AccountID: "acct1", Enabled: true}); rec.Code != http.StatusBadRequest {
		t.Errorf("enable without message = %d, want 400", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/admin/afk", afkRequest{AccountID: "acct1", Enabled: false})
	if rec.Code != http.StatusOK {
		t.Fatalf("disable afk = %d, want 200", rec.Code)
	}
	if h.Reply.IsAway("acct1") {
		t.Error("account still away after disable")
	}
}

func TestAFKWithoutModule(t *testing.T) {
	h, _ := newTestHandlers(newFakeStore())
	rec := doJSON(t, NewMux(h), http.MethodPost, "/admin/afk", afkRequest{AccountID: "acct1", Enabled: false})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("afk without module = %d, want 503", rec.Code)
	}
}

func TestReactionRules(t *testing.T) {
	h, _ := newTestHandlers(newFakeStore())
	h.React = modules.NewAutoReact(0, nil)
	mux := NewMux(h)

	rec := doJSON(t, mux, http.MethodPost, "/admin/reactions", reactionRuleRequest{UserID: "u1", Reactions: []string{"wave"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("set rule = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, mux, http.MethodPost, "/admin/reactions", reactionRuleRequest{UserID: "u1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("clear rule = %d, want 200", rec.Code)
	}
	if rec := doJSON(t, mux, http.MethodPost, "/admin/reactions", reactionRuleRequest{}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing user_id = %d, want 400", rec.Code)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
