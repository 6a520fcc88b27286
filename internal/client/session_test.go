package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	v1 "relay/contracts/dm/v1"
	"relay/internal/auth"
	"relay/internal/broker"
	"relay/internal/realtime"
	"relay/internal/store"
)

// gatewayHarness runs a real gateway behind an httptest server. Each
// accepted socket gets a cancel so tests can kill established sessions
// from the server side.
type gatewayHarness struct {
	ts *httptest.Server

	mu      sync.Mutex
	cancels []context.CancelFunc
}

func newGatewayHarness(t *testing.T, mem store.Store) *gatewayHarness {
	t.Helper()

	log := slog.Default()
	reg := realtime.NewRegistry(log, nil)
	p, err := realtime.NewPipeline(realtime.PipelineConfig{
		Log:      log,
		Store:    mem,
		Registry: reg,
		Broker:   broker.Local{},
		Origin:   "test-instance",
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	g, err := realtime.NewGateway(realtime.GatewayConfig{
		Log:      log,
		Verifier: auth.Static{"tok-alice": "alice", "tok-bob": "bob"},
		Store:    mem,
		Registry: reg,
		Pipeline: p,

		OriginRequired: false,
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	h := &gatewayHarness{}
	h.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		h.mu.Lock()
		h.cancels = append(h.cancels, cancel)
		h.mu.Unlock()
		g.HandleWS(w, r.WithContext(ctx))
	}))
	t.Cleanup(h.ts.Close)
	return h
}

func (h *gatewayHarness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.ts.URL, "http")
}

// dropSessions cancels every socket accepted so far.
func (h *gatewayHarness) dropSessions() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, cancel := range h.cancels {
		cancel()
	}
	h.cancels = nil
}

func awaitEvent(t *testing.T, ch <-chan Event, what string, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func TestClient_SessionDeliversQueuedSendExactlyOnce(t *testing.T) {
	t.Parallel()

	mem := store.NewMemory()
	th, err := mem.EnsureDirectThread(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("seed thread: %v", err)
	}
	h := newGatewayHarness(t, mem)

	c, err := New(Config{
		URL:        h.wsURL(),
		Token:      "tok-alice",
		OutboxPath: t.TempDir(),
		Backoff:    Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer c.Close()

	// Queued before any connection exists: the outbox holds it until the
	// session comes up.
	if err := c.Subscribe(th.ID); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	clientMsgID, err := c.Send(th.ID, "hello from the outbox")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	awaitEvent(t, c.Events(), "connected", func(ev Event) bool {
		_, ok := ev.(Connected)
		return ok
	})
	ev := awaitEvent(t, c.Events(), "echo", func(ev Event) bool {
		m, ok := ev.(MessageReceived)
		return ok && m.Message.ClientMsgID == clientMsgID
	})
	echo := ev.(MessageReceived).Message
	if echo.ThreadID != th.ID || echo.SenderID != "alice" {
		t.Fatalf("echo wrong: %+v", echo)
	}

	// The echo reconciles the outbox before it is emitted.
	pending, err := c.Pending()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("outbox not reconciled: %+v", pending)
	}

	out, err := mem.ListMessages(context.Background(), th.ID, store.ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out.Messages) != 1 {
		t.Fatalf("expected exactly one stored message, got %d", len(out.Messages))
	}

	cancel()
	if err := <-runDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
}

func TestClient_ReconnectGapFillsMissedMessages(t *testing.T) {
	t.Parallel()

	mem := store.NewMemory()
	th, err := mem.EnsureDirectThread(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("seed thread: %v", err)
	}
	h := newGatewayHarness(t, mem)

	c, err := New(Config{
		URL:        h.wsURL(),
		Token:      "tok-alice",
		OutboxPath: t.TempDir(),
		Backoff:    Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer c.Close()

	if err := c.Subscribe(th.ID); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	awaitEvent(t, c.Events(), "first connect", func(ev Event) bool {
		_, ok := ev.(Connected)
		return ok
	})
	awaitEvent(t, c.Events(), "first sync", func(ev Event) bool {
		s, ok := ev.(SyncCompleted)
		return ok && s.ThreadID == th.ID
	})

	// Lands while the socket is down; only the reconnect sync can
	// deliver it.
	res, err := mem.InsertMessage(context.Background(), store.InsertMessageInput{
		ThreadID:    th.ID,
		SenderID:    "bob",
		Body:        strptr("missed you"),
		ClientMsgID: "c-missed",
	})
	if err != nil {
		t.Fatalf("seed missed message: %v", err)
	}
	h.dropSessions()

	awaitEvent(t, c.Events(), "disconnect", func(ev Event) bool {
		_, ok := ev.(Disconnected)
		return ok
	})
	awaitEvent(t, c.Events(), "reconnect", func(ev Event) bool {
		_, ok := ev.(Connected)
		return ok
	})
	ev := awaitEvent(t, c.Events(), "gap-fill sync", func(ev Event) bool {
		s, ok := ev.(SyncCompleted)
		return ok && s.ThreadID == th.ID && len(s.Messages) > 0
	})
	got := ev.(SyncCompleted)
	if len(got.Messages) != 1 || got.Messages[0].MessageID != res.Stored.ID {
		t.Fatalf("gap-fill wrong: %+v", got.Messages)
	}
	if got.Messages[0].ClientMsgID != "c-missed" {
		t.Fatalf("gap-fill message wrong: %+v", got.Messages[0])
	}

	cancel()
	<-runDone
}

func TestClient_KeepaliveFailsUnresponsiveSession(t *testing.T) {
	t.Parallel()

	// A gateway that authenticates and then stops reading never answers
	// pings, like a half-open connection after a NAT timeout.
	stall := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{clientSubprotocol},
		})
		if err != nil {
			return
		}
		defer func() { _ = sock.Close(websocket.StatusNormalClosure, "bye") }()

		if _, _, err := sock.Read(r.Context()); err != nil { // auth frame
			return
		}
		b, _ := json.Marshal(v1.ServerEvent{
			Type:          v1.TypeConnected,
			Authenticated: true,
			SessionID:     "s-stall",
			UserID:        "alice",
		})
		if err := sock.Write(r.Context(), websocket.MessageText, b); err != nil {
			return
		}
		<-stall
	}))
	defer ts.Close()
	// Unblocks the stalled handler before ts.Close waits on it.
	defer close(stall)

	c, err := New(Config{
		URL:               "ws" + strings.TrimPrefix(ts.URL, "http"),
		Token:             "tok-alice",
		OutboxPath:        t.TempDir(),
		Backoff:           Backoff{Base: time.Hour, Max: time.Hour},
		KeepaliveInterval: 50 * time.Millisecond,
		KeepaliveTimeout:  100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	awaitEvent(t, c.Events(), "connected", func(ev Event) bool {
		_, ok := ev.(Connected)
		return ok
	})
	ev := awaitEvent(t, c.Events(), "keepalive disconnect", func(ev Event) bool {
		_, ok := ev.(Disconnected)
		return ok
	})
	if d := ev.(Disconnected); d.Code != CodeNetworkError {
		t.Fatalf("disconnect code wrong: %+v", d)
	}

	cancel()
	<-runDone
}
