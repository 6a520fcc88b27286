package realtime

import (
	"log/slog"
	"testing"

	v1 "relay/contracts/dm/v1"
)

func testLogger() *slog.Logger { return slog.Default() }

func newTestConn(t *testing.T, session, user string) *Conn {
	t.Helper()
	c := NewConn(session, 8)
	if user != "" {
		c.setUser(user)
	}
	return c
}

func drain(c *Conn) []v1.ServerEvent {
	var out []v1.ServerEvent
	for {
		select {
		case ev := <-c.Send:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestRegistry_Broadcast_AllSubscribersNoLeak(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testLogger(), nil)

	a := newTestConn(t, "s-a", "alice")
	b := newTestConn(t, "s-b", "bob")
	other := newTestConn(t, "s-c", "carol")
	for _, c := range []*Conn{a, b, other} {
		r.Add(c)
		if err := r.Register(c, c.UserID()); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if err := r.Subscribe(a, 1); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if err := r.Subscribe(b, 1); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	if err := r.Subscribe(other, 2); err != nil {
		t.Fatalf("subscribe other: %v", err)
	}

	n := r.Broadcast(1, v1.ServerEvent{Type: v1.TypeMessage, ThreadID: 1}, nil)
	if n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	if len(drain(a)) != 1 || len(drain(b)) != 1 {
		t.Fatalf("subscribers missed the event")
	}
	if len(drain(other)) != 0 {
		t.Fatalf("event leaked across threads")
	}
}

func TestRegistry_Broadcast_ExcludesSender(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testLogger(), nil)

	a := newTestConn(t, "s-a", "alice")
	b := newTestConn(t, "s-b", "bob")
	for _, c := range []*Conn{a, b} {
		r.Add(c)
		_ = r.Register(c, c.UserID())
		_ = r.Subscribe(c, 1)
	}

	typing := true
	n := r.Broadcast(1, v1.ServerEvent{Type: v1.TypeTyping, ThreadID: 1, Typing: &typing}, a)
	if n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if len(drain(a)) != 0 {
		t.Fatalf("excluded connection received the event")
	}
	if len(drain(b)) != 1 {
		t.Fatalf("peer missed the event")
	}
}

func TestRegistry_Broadcast_SkipsClosedAndFull(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testLogger(), nil)

	closed := newTestConn(t, "s-a", "alice")
	full := NewConn("s-b", 1)
	full.setUser("bob")

	for _, c := range []*Conn{closed, full} {
		r.Add(c)
		_ = r.Register(c, c.UserID())
		_ = r.Subscribe(c, 1)
	}
	closed.Close()
	full.Send <- v1.ServerEvent{Type: v1.TypeConnected} // occupy the queue

	n := r.Broadcast(1, v1.ServerEvent{Type: v1.TypeMessage, ThreadID: 1}, nil)
	if n != 0 {
		t.Fatalf("expected 0 deliveries, got %d", n)
	}
}

func TestRegistry_SubscribeRequiresAuth(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testLogger(), nil)

	c := newTestConn(t, "s-a", "")
	r.Add(c)
	if err := r.Subscribe(c, 1); err == nil {
		t.Fatalf("expected ErrNotAuthenticated")
	}
}

func TestRegistry_DropAndOnline(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testLogger(), nil)

	a := newTestConn(t, "s-a", "alice")
	r.Add(a)
	_ = r.Register(a, "alice")
	_ = r.Subscribe(a, 1)

	online := r.Online([]string{"alice", "bob"})
	if !online["alice"] || online["bob"] {
		t.Fatalf("online wrong: %v", online)
	}
	if r.Subscribers(1) != 1 {
		t.Fatalf("expected 1 subscriber")
	}

	r.Drop(a)

	if r.Subscribers(1) != 0 {
		t.Fatalf("drop left subscribers behind")
	}
	online = r.Online([]string{"alice"})
	if online["alice"] {
		t.Fatalf("dropped user still online")
	}
	if r.Broadcast(1, v1.ServerEvent{Type: v1.TypeMessage}, nil) != 0 {
		t.Fatalf("broadcast after drop delivered")
	}
}

func TestRegistry_UnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testLogger(), nil)

	a := newTestConn(t, "s-a", "alice")
	r.Add(a)
	_ = r.Register(a, "alice")
	_ = r.Subscribe(a, 1)
	_ = r.Subscribe(a, 1) // repeat

	r.Unsubscribe(a, 1)
	r.Unsubscribe(a, 1) // repeat

	if r.Subscribed(a, 1) {
		t.Fatalf("still subscribed after unsubscribe")
	}
	if r.Subscribers(1) != 0 {
		t.Fatalf("thread set not pruned")
	}
}

func TestRegistry_ReauthMovesUserBinding(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testLogger(), nil)

	c := newTestConn(t, "s-1", "")
	r.Add(c)
	if err := r.Register(c, "alice"); err != nil {
		t.Fatalf("register alice: %v", err)
	}
	if err := r.Register(c, "bob"); err != nil {
		t.Fatalf("register bob: %v", err)
	}

	online := r.Online([]string{"alice", "bob"})
	if online["alice"] {
		t.Fatalf("alice still online after re-auth as bob")
	}
	if !online["bob"] {
		t.Fatalf("bob not online after re-auth")
	}

	c.Close()
	r.Drop(c)
	online = r.Online([]string{"alice", "bob"})
	if online["alice"] || online["bob"] {
		t.Fatalf("drop left a user binding behind: %v", online)
	}
}

func TestRegistry_ReauthSameUserKeepsBinding(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testLogger(), nil)

	c := newTestConn(t, "s-1", "")
	r.Add(c)
	_ = r.Register(c, "alice")
	_ = r.Register(c, "alice") // repeat

	if !r.Online([]string{"alice"})["alice"] {
		t.Fatalf("alice offline after idempotent re-register")
	}
}
