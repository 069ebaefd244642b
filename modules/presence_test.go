package modules

import (
	"context"
	"testing"
	"time"
)

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

func TestPresenceRotatesStatuses(t *testing.T) {
	p := NewPresence([]string{"online", "busy"}, 10*time.Millisecond, nil)
	defer p.Close()
	conn, fc := newTestConn("acct1", "alice")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn.Start(ctx)
	fc.WaitSession()

	if err := p.Attach(conn); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "two presence updates", func() bool { return len(fc.PresenceList()) >= 2 })
	p.Detach(conn)
	conn.Stop()

	got := fc.PresenceList()
	if got[0] != "online" || got[1] != "busy" {
		t.Errorf("presences = %v, want rotation online,busy", got[:2])
	}
}

func TestPresenceNoStatusesIsNoop(t *testing.T) {
	p := NewPresence(nil, 10*time.Millisecond, nil)
	conn, _ := newTestConn("acct1", "alice")
	if err := p.Attach(conn); err != nil {
		t.Fatal(err)
	}
	p.Detach(conn) // must not panic on a connection with no loop
	p.Close()
}

func TestPresenceStopsOnUnsupported(t *testing.T) {
	p := NewPresence([]string{"online"}, 10*time.Millisecond, nil)
	defer p.Close()
	conn, fc := newTestConn("acct1", "alice")
	fc.Unsupported = map[string]bool{"presence": true}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn.Start(ctx)
	fc.WaitSession()

	if err := p.Attach(conn); err != nil {
		t.Fatal(err)
	}
	// Give the loop a few ticks; it must give up without updates.
	time.Sleep(60 * time.Millisecond)
	if got := fc.PresenceList(); len(got) != 0 {
		t.Errorf("presences = %v, want none from unsupported client", got)
	}
	p.Detach(conn)
	conn.Stop()
}
