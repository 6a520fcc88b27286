// Package client is the Relay client library: it dials the WebSocket
// gateway, authenticates, keeps subscriptions alive across reconnects
// with capped exponential backoff, gap-fills missed messages via sync,
// and delivers outbound messages through a durable on-disk outbox so
// sends survive disconnects and process restarts.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	v1 "relay/contracts/dm/v1"
)

const (
	clientSubprotocol = "relay.dm.v1"

	defaultDialTimeout = 10 * time.Second
	defaultEventBuffer = 256
	writeTimeout       = 5 * time.Second
	authTimeout        = 10 * time.Second
	flushInterval      = 1 * time.Second

	// A half-open connection (NAT timeout, dead middlebox) never errors
	// on read; unanswered pings are how the client notices.
	defaultKeepaliveInterval = 30 * time.Second
	defaultKeepaliveTimeout  = 10 * time.Second

	// A send stuck in "sending" longer than this lost its echo (dropped
	// connection, server restart) and is rescheduled.
	sendEchoTimeout = 30 * time.Second

	maxReadBytes = 1 << 20
)

// ErrAuthRejected is returned by Run when the gateway rejects the token.
// It is terminal: reconnecting with the same credentials cannot succeed.
var ErrAuthRejected = errors.New("client: authentication rejected")

// Config configures a Client. URL, Token, and OutboxPath are required.
type Config struct {
	// URL is the gateway WebSocket endpoint (ws://host/api/ws).
	URL   string
	Token string

	// APIBaseURL is the REST origin for side-channel calls (presence).
	// Derived from URL when empty.
	APIBaseURL string

	// OutboxPath is the directory of the durable outbox database. One
	// path per user identity; sharing it across identities mixes queues.
	OutboxPath string

	Log     *slog.Logger
	Backoff Backoff
	Clock   Clock

	DialTimeout time.Duration
	EventBuffer int

	// KeepaliveInterval is how often the client pings the gateway; a ping
	// unanswered within KeepaliveTimeout fails the session and triggers a
	// reconnect.
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration

	// DisableAutoAck turns off the automatic delivered receipt the client
	// sends for incoming foreign messages.
	DisableAutoAck bool
}

// Client is a reconnecting gateway client. Construct with New, drive with
// Run, consume Events, and send through Send; all methods are safe for
// concurrent use.
type Client struct {
	cfg    Config
	log    *slog.Logger
	clock  Clock
	outbox *Outbox
	events chan Event
	typing *typingDebouncer

	flushCh chan struct{}

	mu      sync.Mutex
	sock    *websocket.Conn
	userID  string
	subs    map[int64]struct{}
	cursors map[int64]int64 // highest seen server msg id per thread
}

// New constructs a Client and opens its outbox. Entries queued by earlier
// runs are flushed once Run connects.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("client: missing URL")
	}
	if cfg.Token == "" {
		return nil, errors.New("client: missing token")
	}
	if cfg.OutboxPath == "" {
		return nil, errors.New("client: missing outbox path")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = defaultKeepaliveTimeout
	}

	outbox, err := OpenOutbox(cfg.OutboxPath)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		log:     cfg.Log,
		clock:   cfg.Clock,
		outbox:  outbox,
		events:  make(chan Event, cfg.EventBuffer),
		flushCh: make(chan struct{}, 1),
		subs:    make(map[int64]struct{}),
		cursors: make(map[int64]int64),
	}
	c.typing = newTypingDebouncer(c.clock, func(threadID int64, typing bool) {
		t := typing
		_ = c.writeFrame(context.Background(), v1.ClientFrame{
			Type:     v1.TypeTyping,
			ThreadID: threadID,
			Typing:   &t,
		})
	})
	return c, nil
}

// Events is the typed notification stream. Slow consumers drop events
// (message state is never lost: the store is authoritative, the outbox is
// durable).
func (c *Client) Events() <-chan Event { return c.events }

// Run connects and serves until ctx is cancelled. Transient failures
// reconnect with capped exponential backoff; a rejected token returns
// ErrAuthRejected.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		established, err := c.runSession(ctx)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthRejected) {
			return err
		}

		c.emit(Disconnected{Code: sessionErrCode(established), Err: err})
		delay := c.cfg.Backoff.Delay(attempt)
		attempt++
		c.log.Info("client.reconnect.wait", "attempt", attempt, "delay", delay, "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(delay):
		}
	}
}

// Close releases the outbox. Call after Run has returned.
func (c *Client) Close() error {
	return c.outbox.Close()
}

// ---- sending ----

// Send queues a message for the thread and returns its client msg id.
// The entry is durable before Send returns; delivery happens as soon as a
// connection is available and survives reconnects and restarts.
func (c *Client) Send(threadID int64, body string, attachments ...v1.Attachment) (string, error) {
	if threadID <= 0 {
		return "", errors.New("client: invalid thread id")
	}
	if body == "" && len(attachments) == 0 {
		return "", errors.New("client: empty message")
	}

	p := PendingMessage{
		ClientMsgID: uuid.NewString(),
		ThreadID:    threadID,
		Attachments: attachments,
		EnqueuedAt:  c.clock.Now(),
	}
	if body != "" {
		p.Body = &body
	}
	if err := c.outbox.Enqueue(p); err != nil {
		return "", err
	}

	c.typing.Stop(threadID)
	c.signalFlush()
	return p.ClientMsgID, nil
}

// Pending exposes the outbox contents (retries in flight, failures).
func (c *Client) Pending() ([]PendingMessage, error) { return c.outbox.List() }

// ---- subscriptions and indicators ----

// Subscribe registers interest in a thread. Subscriptions persist across
// reconnects: every new session resubscribes and gap-fills via sync.
func (c *Client) Subscribe(threadID int64) error {
	c.mu.Lock()
	c.subs[threadID] = struct{}{}
	cursor := c.cursors[threadID]
	connected := c.sock != nil
	c.mu.Unlock()

	if !connected {
		return nil
	}
	if err := c.writeFrame(context.Background(), v1.ClientFrame{Type: v1.TypeSubscribe, ThreadID: threadID}); err != nil {
		return err
	}
	return c.writeFrame(context.Background(), v1.ClientFrame{
		Type:            v1.TypeSync,
		ThreadID:        threadID,
		LastServerMsgID: cursor,
	})
}

// Unsubscribe drops interest in a thread.
func (c *Client) Unsubscribe(threadID int64) error {
	c.mu.Lock()
	delete(c.subs, threadID)
	connected := c.sock != nil
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.writeFrame(context.Background(), v1.ClientFrame{Type: v1.TypeUnsubscribe, ThreadID: threadID})
}

// Typing reports a keystroke in the thread's composer. Indicators are
// debounced client-side; call freely on every input change.
func (c *Client) Typing(threadID int64) { c.typing.Touch(threadID) }

// StopTyping clears the typing indicator immediately.
func (c *Client) StopTyping(threadID int64) { c.typing.Stop(threadID) }

// Ack records a delivery or read receipt for a message.
func (c *Client) Ack(threadID, messageID int64, status v1.ReceiptStatus) error {
	return c.writeFrame(context.Background(), v1.ClientFrame{
		Type:      v1.TypeAck,
		ThreadID:  threadID,
		MessageID: messageID,
		Status:    status,
	})
}

// ---- session ----

func (c *Client) runSession(ctx context.Context) (established bool, err error) {
	dialCtx, dialCancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	sock, _, err := websocket.Dial(dialCtx, c.cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{clientSubprotocol},
	})
	dialCancel()
	if err != nil {
		return false, fmt.Errorf("client: dial: %w", err)
	}
	sock.SetReadLimit(maxReadBytes)
	defer func() { _ = sock.Close(websocket.StatusNormalClosure, "bye") }()

	sessionID, err := c.authenticate(ctx, sock)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.sock = sock
	subs := make([]int64, 0, len(c.subs))
	for id := range c.subs {
		subs = append(subs, id)
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.sock = nil
		c.mu.Unlock()
	}()

	c.emit(Connected{SessionID: sessionID})

	// Restore server-side state: resubscribe and gap-fill each thread
	// from the last seen id.
	for _, threadID := range subs {
		if err := c.Subscribe(threadID); err != nil {
			return true, err
		}
	}
	c.signalFlush()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		c.flushLoop(sessionCtx)
	}()

	keepaliveDone := make(chan struct{})
	go func() {
		defer close(keepaliveDone)
		c.keepalive(sessionCtx, sock)
	}()

	err = c.readLoop(sessionCtx, sock)
	cancel()
	<-flushDone
	<-keepaliveDone
	return true, err
}

// keepalive pings the gateway on an interval. A failed ping closes the
// socket, which unblocks readLoop and fails the session.
func (c *Client) keepalive(ctx context.Context, sock *websocket.Conn) {
	t := time.NewTicker(c.cfg.KeepaliveInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.cfg.KeepaliveTimeout)
			err := sock.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Info("client.ping.fail", "err", err)
				_ = sock.Close(websocket.StatusGoingAway, "keepalive failed")
				return
			}
		}
	}
}

// authenticate sends the auth frame and waits for the authenticated
// greeting.
func (c *Client) authenticate(ctx context.Context, sock *websocket.Conn) (string, error) {
	authCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	if err := writeTo(authCtx, sock, v1.ClientFrame{Type: v1.TypeAuth, Token: c.cfg.Token}); err != nil {
		return "", fmt.Errorf("client: auth write: %w", err)
	}

	for {
		ev, err := readEvent(authCtx, sock)
		if err != nil {
			return "", fmt.Errorf("client: auth read: %w", err)
		}
		switch ev.Type {
		case v1.TypeConnected:
			if !ev.Authenticated {
				continue // pre-auth greeting
			}
			c.mu.Lock()
			c.userID = ev.UserID
			c.mu.Unlock()
			return ev.SessionID, nil
		case v1.TypeError:
			if ev.Code == v1.CodeAuthFailed {
				return "", fmt.Errorf("%w: %s", ErrAuthRejected, ev.Error)
			}
			return "", fmt.Errorf("client: auth: %s: %s", ev.Code, ev.Error)
		default:
			// Late events from a previous session; ignore until greeted.
		}
	}
}

func (c *Client) readLoop(ctx context.Context, sock *websocket.Conn) error {
	for {
		ev, err := readEvent(ctx, sock)
		if err != nil {
			return err
		}
		c.dispatch(ev)
	}
}

func (c *Client) dispatch(ev v1.ServerEvent) {
	switch ev.Type {
	case v1.TypeMessage:
		msg := ev.AsMessage()
		c.advanceCursor(msg.ThreadID, msg.MessageID)

		c.mu.Lock()
		me := c.userID
		c.mu.Unlock()

		if msg.SenderID == me && msg.ClientMsgID != "" {
			// Echo of an own send: reconcile the outbox.
			if err := c.outbox.MarkPersisted(msg.ClientMsgID); err != nil && !errors.Is(err, errOutboxClosed) {
				c.log.Warn("client.outbox.reconcile", "client_msg_id", msg.ClientMsgID, "err", err)
			}
		} else if msg.SenderID != me && !c.cfg.DisableAutoAck {
			_ = c.Ack(msg.ThreadID, msg.MessageID, v1.StatusDelivered)
		}
		c.emit(MessageReceived{Message: msg})

	case v1.TypeTyping:
		typing := ev.Typing != nil && *ev.Typing
		c.emit(TypingChanged{ThreadID: ev.ThreadID, UserID: ev.UserID, Typing: typing})

	case v1.TypeAck:
		c.emit(ReceiptUpdated{
			ThreadID:  ev.ThreadID,
			MessageID: ev.MessageID,
			UserID:    ev.UserID,
			Status:    ev.Status,
			Aggregate: ev.Aggregate,
		})

	case v1.TypeSync:
		for _, m := range ev.Messages {
			c.advanceCursor(m.ThreadID, m.MessageID)
		}
		c.emit(SyncCompleted{ThreadID: ev.ThreadID, Messages: ev.Messages, HasMore: ev.HasMore})

	case v1.TypeConnected:
		// Duplicate greeting; nothing to do.

	case v1.TypeError:
		sev := severityFor(ev.Code)
		if !sev.Notify() {
			c.log.Warn("client.protocol.error", "code", ev.Code, "severity", sev.String(), "msg", ev.Error)
			return
		}
		c.emit(ProtocolError{Code: ev.Code, Message: ev.Error, Retryable: ev.Retryable, Severity: sev})

	default:
		c.log.Warn("client.event.unknown", "type", ev.Type)
	}
}

func (c *Client) advanceCursor(threadID, messageID int64) {
	c.mu.Lock()
	if messageID > c.cursors[threadID] {
		c.cursors[threadID] = messageID
	}
	c.mu.Unlock()
}

// ---- outbox flushing ----

func (c *Client) signalFlush() {
	select {
	case c.flushCh <- struct{}{}:
	default:
	}
}

func (c *Client) flushLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.flushCh:
		case <-c.clock.After(flushInterval):
		}
		c.flushOnce(ctx)
	}
}

// flushOnce writes every due outbox entry down the socket. The server
// echo (same client msg id) removes entries; entries whose echo never
// arrives are rescheduled after a timeout.
func (c *Client) flushOnce(ctx context.Context) {
	now := c.clock.Now()

	all, err := c.outbox.List()
	if err != nil {
		if !errors.Is(err, errOutboxClosed) {
			c.log.Error("client.outbox.list", "err", err)
		}
		return
	}

	for _, p := range all {
		if ctx.Err() != nil {
			return
		}
		switch p.State {
		case StateSending:
			if now.Sub(p.NextAttemptAt) < sendEchoTimeout {
				continue
			}
			c.rescheduleEntry(p, "echo timeout")

		case StatePending:
			if p.NextAttemptAt.After(now) {
				continue
			}
			entry, err := c.outbox.MarkSending(p.ClientMsgID, now)
			if err != nil {
				continue
			}
			frame := v1.ClientFrame{
				Type:        v1.TypeSendMessage,
				ThreadID:    entry.ThreadID,
				Body:        entry.Body,
				Attachments: entry.Attachments,
				ClientMsgID: entry.ClientMsgID,
			}
			if err := c.writeFrame(ctx, frame); err != nil {
				c.rescheduleEntry(entry, err.Error())
			}
		}
	}
}

func (c *Client) rescheduleEntry(p PendingMessage, cause string) {
	next := c.clock.Now().Add(c.cfg.Backoff.Delay(p.Attempts))
	entry, exhausted, err := c.outbox.Reschedule(p.ClientMsgID, next, cause)
	if err != nil {
		c.log.Error("client.outbox.reschedule", "client_msg_id", p.ClientMsgID, "err", err)
		return
	}
	if exhausted {
		c.emit(SendFailed{
			ThreadID:    entry.ThreadID,
			ClientMsgID: entry.ClientMsgID,
			Reason:      entry.LastError,
		})
	}
}

// ---- plumbing ----

func (c *Client) writeFrame(ctx context.Context, f v1.ClientFrame) error {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return errors.New("client: not connected")
	}
	return writeTo(ctx, sock, f)
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("client.events.drop", "type", fmt.Sprintf("%T", ev))
	}
}

func writeTo(ctx context.Context, sock *websocket.Conn, f v1.ClientFrame) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return sock.Write(wctx, websocket.MessageText, b)
}

func readEvent(ctx context.Context, sock *websocket.Conn) (v1.ServerEvent, error) {
	_, data, err := sock.Read(ctx)
	if err != nil {
		return v1.ServerEvent{}, err
	}
	var ev v1.ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return v1.ServerEvent{}, err
	}
	return ev, nil
}
