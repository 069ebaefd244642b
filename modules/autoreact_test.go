package modules

import (
	"context"
	"testing"
	"time"

	"github.com/ewhitmore/chatwarden/gateway"
)

func msgFrom(id, userID string) gateway.MessageEvent {
	return gateway.MessageEvent{MessageID: id, UserID: userID, ChannelID: "ch1", At: time.Now()}
}

func TestAutoReactRotatesPerUser(t *testing.T) {
	a := NewAutoReact(time.Millisecond, nil)
	a.SetRule("u1", []string{"wave", "fire"})
	conn, fc := newTestConn("acct1", "alice")
	if err := a.Attach(conn); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	conn.Dispatch(ctx, gateway.EventMessage, msgFrom("m1", "u1"))
	conn.Dispatch(ctx, gateway.EventMessage, msgFrom("m2", "u1"))
	conn.Dispatch(ctx, gateway.EventMessage, msgFrom("m3", "u1"))
	conn.Dispatch(ctx, gateway.EventMessage, msgFrom("m4", "u2")) // no rule

	if len(fc.Reactions) != 3 {
		t.Fatalf("reactions = %d, want 3", len(fc.Reactions))
	}
	got := []string{fc.Reactions[0].Emoji, fc.Reactions[1].Emoji, fc.Reactions[2].Emoji}
	want := []string{"wave", "fire", "wave"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("reaction #%d = %q, want %q", i, got[i], want[i])
		}
	}
	if fc.Reactions[0].MessageID != "m1" {
		t.Errorf("reaction target = %q, want m1", fc.Reactions[0].MessageID)
	}
}

func TestAutoReactClearRule(t *testing.T) {
	a := NewAutoReact(time.Millisecond, nil)
	a.SetRule("u1", []string{"wave"})
	conn, fc := newTestConn("acct1", "alice")
	if err := a.Attach(conn); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	conn.Dispatch(ctx, gateway.EventMessage, msgFrom("m1", "u1"))
	a.ClearRule("u1")
	conn.Dispatch(ctx, gateway.EventMessage, msgFrom("m2", "u1"))
	if len(fc.Reactions) != 1 {
		t.Errorf("reactions = %d, want 1", len(fc.Reactions))
	}
}

func TestAutoReactToleratesUnsupportedClient(t *testing.T) {
	a := NewAutoReact(time.Millisecond, nil)
	a.SetRule("u1", []string{"wave"})
	conn, fc := newTestConn("acct1", "alice")
	fc.Unsupported = map[string]bool{"react": true}
	if err := a.Attach(conn); err != nil {
		t.Fatal(err)
	}

	// Must not error through the registry as a handler failure; direct call
	// confirms the sentinel is swallowed.
	err := a.handle(context.Background(), conn, msgFrom("m1", "u1"))
	if err != nil {
		t.Errorf("handle() = %v, want nil for unsupported client", err)
	}
}
