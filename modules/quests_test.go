package modules

import (
	"context"
	"testing"
	"time"

	"github.com/ewhitmore/chatwarden/gateway"
)

func TestQuestsClaimsEachOnce(t *testing.T) {
	q := NewQuests(10*time.Millisecond, time.Millisecond, nil)
	defer q.Close()
	conn, fc := newTestConn("acct1", "alice")
	fc.Quests = []gateway.Quest{{ID: "q1", Name: "Watch a stream"}, {ID: "q2", Name: "Send a message"}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn.Start(ctx)
	fc.WaitSession()

	if err := q.Attach(conn); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "both quests claimed", func() bool { return len(fc.ClaimedList()) >= 2 })

	// Several more poll cycles must not re-claim.
	time.Sleep(50 * time.Millisecond)
	got := fc.ClaimedList()
	if len(got) != 2 {
		t.Errorf("claims = %v, want each quest claimed once", got)
	}
	q.Detach(conn)
	conn.Stop()
}

func TestQuestsStopsWhenUnsupported(t *testing.T) {
	q := NewQuests(10*time.Millisecond, time.Millisecond, nil)
	defer q.Close()
	conn, fc := newTestConn("acct1", "alice")
	fc.Unsupported = map[string]bool{"quests": true}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn.Start(ctx)
	fc.WaitSession()

	if err := q.Attach(conn); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)
	if got := fc.ClaimedList(); len(got) != 0 {
		t.Errorf("claims = %v, want none", got)
	}
	q.Detach(conn)
	conn.Stop()
}
