// Package main provides a CI-friendly WebSocket smoke test for the relay
// gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - greeting + auth session establishment
//   - thread subscribe
//   - send -> message echo (the sender's ack)
//   - fanout of the message to another client
//   - idempotent dedupe by client_msg_id
//   - read receipt aggregation
//   - cursor sync after the fact
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "relay/contracts/dm/v1"
)

const (
	subprotocol  = "relay.dm.v1"
	maxReadBytes = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	userID    string

	inbox chan v1.ServerEvent
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/api/ws", "WebSocket URL")
		apiURL  = flag.String("api", "http://127.0.0.1:8080", "REST base URL (used to ensure the thread)")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		tokenA  = flag.String("token-a", "", "Bearer token for the sending user")
		tokenB  = flag.String("token-b", "", "Bearer token for the receiving user")
		text    = flag.String("text", "hello relay", "Message body to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*tokenA) == "" || strings.TrimSpace(*tokenB) == "" {
		fatalf("both -token-a and -token-b are required")
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *tokenA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *tokenB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s(%s) B=%s(%s) origin=%q\n", a.userID, a.sessionID, b.userID, b.sessionID, *origin)
	}

	threadID := mustEnsureThread(root, *apiURL, *tokenA, b.userID, *timeout)
	if *verbose {
		fmt.Printf("thread: %d\n", threadID)
	}

	mustSubscribe(root, a, threadID, *timeout)
	mustSubscribe(root, b, threadID, *timeout)

	clientMsgID := fmt.Sprintf("smoke-%d", time.Now().UnixNano())

	echo := mustSendAndAwaitEcho(root, a, threadID, clientMsgID, *text, *timeout)
	mustAssertBroadcast(root, b, echo, *timeout)

	// Replaying the same client msg id must echo the original message to
	// the sender only.
	dup := mustSendAndAwaitEcho(root, a, threadID, clientMsgID, *text, *timeout)
	if dup.MessageID != echo.MessageID {
		fatalf("dedupe: message_id mismatch: first=%d second=%d", echo.MessageID, dup.MessageID)
	}
	mustAssertNoType(root, b, v1.TypeMessage, 1200*time.Millisecond)

	mustAckRead(root, b, a, threadID, echo.MessageID, *timeout)

	mustSyncEmpty(root, b, threadID, echo.MessageID, *timeout)

	fmt.Printf("OK: A=%s B=%s thread_id=%d message_id=%d\n", a.userID, b.userID, threadID, echo.MessageID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.ServerEvent, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	// Greeting arrives before auth.
	greet := c.mustReadUntilType(parent, v1.TypeConnected, stepTimeout, nil)
	if strings.TrimSpace(greet.SessionID) == "" {
		fatalf("greeting missing session_id (%s)", name)
	}
	if greet.Authenticated {
		fatalf("greeting claims authenticated before auth (%s)", name)
	}
	c.sessionID = greet.SessionID

	mustWriteFrame(parent, conn, v1.ClientFrame{Type: v1.TypeAuth, Token: token}, stepTimeout)

	authed := c.mustReadUntilType(parent, v1.TypeConnected, stepTimeout, nil)
	if !authed.Authenticated || strings.TrimSpace(authed.UserID) == "" {
		fatalf("auth did not complete (%s): %+v", name, authed)
	}
	c.userID = authed.UserID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var ev v1.ServerEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- ev:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

// mustEnsureThread creates (or finds) the direct thread between the two
// users over REST.
func mustEnsureThread(parent context.Context, apiURL, token, with string, stepTimeout time.Duration) int64 {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"with": with})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(apiURL, "/")+"/api/v1/threads", bytes.NewReader(body))
	if err != nil {
		fatalf("ensure thread: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("ensure thread: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fatalf("ensure thread: status %d", resp.StatusCode)
	}

	var tv struct {
		ThreadID int64 `json:"thread_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tv); err != nil {
		fatalf("ensure thread: decode: %v", err)
	}
	if tv.ThreadID <= 0 {
		fatalf("ensure thread: bad thread id %d", tv.ThreadID)
	}
	return tv.ThreadID
}

// mustSubscribe subscribes and uses a sync round-trip as the barrier
// proving the subscription took effect server-side.
func mustSubscribe(parent context.Context, c *smokeClient, threadID int64, stepTimeout time.Duration) {
	mustWriteFrame(parent, c.conn, v1.ClientFrame{Type: v1.TypeSubscribe, ThreadID: threadID}, stepTimeout)
	mustWriteFrame(parent, c.conn, v1.ClientFrame{Type: v1.TypeSync, ThreadID: threadID}, stepTimeout)

	ev := c.mustReadUntilType(parent, v1.TypeSync, stepTimeout, nil)
	if ev.ThreadID != threadID {
		fatalf("sync thread_id mismatch (%s): got=%d want=%d", c.name, ev.ThreadID, threadID)
	}
}

func mustSendAndAwaitEcho(parent context.Context, c *smokeClient, threadID int64, clientMsgID, text string, stepTimeout time.Duration) v1.ServerEvent {
	mustWriteFrame(parent, c.conn, v1.ClientFrame{
		Type:        v1.TypeSendMessage,
		ThreadID:    threadID,
		Body:        &text,
		ClientMsgID: clientMsgID,
	}, stepTimeout)

	ev := c.mustReadUntilType(parent, v1.TypeMessage, stepTimeout, map[string]struct{}{v1.TypeTyping: {}})
	if ev.ThreadID != threadID {
		fatalf("echo thread_id mismatch (%s): got=%d want=%d", c.name, ev.ThreadID, threadID)
	}
	if ev.ClientMsgID != clientMsgID {
		fatalf("echo client_msg_id mismatch (%s): got=%q want=%q", c.name, ev.ClientMsgID, clientMsgID)
	}
	if ev.MessageID <= 0 {
		fatalf("echo missing message_id (%s)", c.name)
	}
	if ev.SenderID != c.userID {
		fatalf("echo sender mismatch (%s): got=%q want=%q", c.name, ev.SenderID, c.userID)
	}
	if ev.Body == nil || *ev.Body != text {
		fatalf("echo body mismatch (%s)", c.name)
	}
	if ev.CreatedAt == nil || ev.CreatedAt.IsZero() {
		fatalf("echo created_at missing (%s)", c.name)
	}
	return ev
}

func mustAssertBroadcast(parent context.Context, c *smokeClient, want v1.ServerEvent, stepTimeout time.Duration) {
	ev := c.mustReadUntilType(parent, v1.TypeMessage, stepTimeout, map[string]struct{}{v1.TypeTyping: {}})
	if ev.MessageID != want.MessageID || ev.ClientMsgID != want.ClientMsgID || ev.SenderID != want.SenderID {
		fatalf("broadcast mismatch (%s): got id=%d cmid=%q sender=%q", c.name, ev.MessageID, ev.ClientMsgID, ev.SenderID)
	}
}

// mustAckRead sends a read receipt from reader and asserts both sides see
// the aggregate.
func mustAckRead(parent context.Context, reader, sender *smokeClient, threadID, messageID int64, stepTimeout time.Duration) {
	mustWriteFrame(parent, reader.conn, v1.ClientFrame{
		Type:      v1.TypeAck,
		ThreadID:  threadID,
		MessageID: messageID,
		Status:    v1.StatusRead,
	}, stepTimeout)

	for _, c := range []*smokeClient{reader, sender} {
		ev := c.mustReadUntilType(parent, v1.TypeAck, stepTimeout, map[string]struct{}{v1.TypeTyping: {}})
		if ev.MessageID != messageID {
			fatalf("ack message_id mismatch (%s): got=%d want=%d", c.name, ev.MessageID, messageID)
		}
		if ev.UserID != reader.userID {
			fatalf("ack user mismatch (%s): got=%q want=%q", c.name, ev.UserID, reader.userID)
		}
		if ev.Status != v1.StatusRead {
			fatalf("ack status mismatch (%s): got=%q", c.name, ev.Status)
		}
	}
}

// mustSyncEmpty asserts a sync above the last message returns nothing.
func mustSyncEmpty(parent context.Context, c *smokeClient, threadID, afterID int64, stepTimeout time.Duration) {
	mustWriteFrame(parent, c.conn, v1.ClientFrame{
		Type:            v1.TypeSync,
		ThreadID:        threadID,
		LastServerMsgID: afterID,
	}, stepTimeout)

	ev := c.mustReadUntilType(parent, v1.TypeSync, stepTimeout, map[string]struct{}{v1.TypeTyping: {}, v1.TypeAck: {}})
	if len(ev.Messages) != 0 {
		fatalf("expected empty sync window (%s), got=%d", c.name, len(ev.Messages))
	}
	if ev.HasMore {
		fatalf("empty sync claims has_more (%s)", c.name)
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case ev, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if ev.Type == v1.TypeError {
				fatalf("server error (%s): code=%q msg=%q", c.name, ev.Code, ev.Error)
			}
			if ev.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.ServerEvent {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case ev, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if ev.Type == wantType {
				return ev
			}
			if ev.Type == v1.TypeError {
				fatalf("server error (%s): code=%q msg=%q", c.name, ev.Code, ev.Error)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[ev.Type]; ok {
					continue
				}
			}
			fatalf("unexpected event type (%s): got=%q want=%q", c.name, ev.Type, wantType)
		}
	}
}

func mustWriteFrame(parent context.Context, conn *websocket.Conn, f v1.ClientFrame, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(f)
	if err != nil {
		fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
