package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"

	v1 "relay/contracts/dm/v1"
	"relay/internal/auth"
	"relay/internal/broker"
	"relay/internal/metrics"
	"relay/internal/store"
)

const (
	wsSubprotocolV1 = "relay.dm.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsDefaultSyncLimit = 100
	wsMaxSyncLimit     = 200
)

// GatewayConfig wires a Gateway. Verifier, Store, Registry, and Pipeline
// are required. Zero-valued knobs get secure defaults; origin is required
// unless explicitly disabled.
type GatewayConfig struct {
	Log      *slog.Logger
	Verifier auth.TokenVerifier
	Store    store.Store
	Registry *Registry
	Pipeline *Pipeline
	Metrics  *metrics.Metrics

	OriginRequired bool
	AllowedOrigins []string
	// DevInsecure disables TLS origin verification in websocket.Accept.
	// Dev-only knob, not an origin policy.
	DevInsecure bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateFrames int
	RateWindow time.Duration

	SyncLimit int
}

// Gateway is the WebSocket entrypoint. It enforces origin policy,
// subprotocol selection, rate limits, and heartbeats, authenticates the
// connection, and routes validated frames to the store and send pipeline.
//
// One unauthenticated connection may sit idle until the read idle timeout;
// every frame except auth is answered with NOT_AUTHENTICATED until a token
// is verified.
type Gateway struct {
	log      *slog.Logger
	verifier auth.TokenVerifier
	store    store.Store
	registry *Registry
	pipeline *Pipeline
	metrics  *metrics.Metrics

	originRequired bool
	allowedOrigins []string
	originPatterns []string
	devInsecure    bool

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateFrames int
	rateWindow time.Duration

	syncLimit int
}

// NewGateway constructs a Gateway with secure defaults.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Log == nil {
		return nil, errors.New("realtime: gateway needs a logger")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("realtime: gateway needs a token verifier")
	}
	if cfg.Store == nil {
		return nil, errors.New("realtime: gateway needs a store")
	}
	if cfg.Registry == nil {
		return nil, errors.New("realtime: gateway needs a registry")
	}
	if cfg.Pipeline == nil {
		return nil, errors.New("realtime: gateway needs a pipeline")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}

	g := &Gateway{
		log:      cfg.Log,
		verifier: cfg.Verifier,
		store:    cfg.Store,
		registry: cfg.Registry,
		pipeline: cfg.Pipeline,
		metrics:  cfg.Metrics,

		originRequired: cfg.OriginRequired,
		allowedOrigins: cfg.AllowedOrigins,
		devInsecure:    cfg.DevInsecure,

		writeTimeout:    cfg.WriteTimeout,
		readIdleTimeout: cfg.ReadIdleTimeout,
		sendQueueSize:   cfg.SendQueueSize,

		heartbeatEvery:   cfg.HeartbeatInterval,
		heartbeatTimeout: cfg.HeartbeatTimeout,

		rateFrames: cfg.RateFrames,
		rateWindow: cfg.RateWindow,

		syncLimit: cfg.SyncLimit,
	}

	// websocket.Accept enforces its own origin policy: same-host is ok,
	// cross-origin requires OriginPatterns (host patterns). Derive these
	// from the allowlist so the two layers agree.
	g.originPatterns = originPatternsFromAllowed(g.allowedOrigins)

	if g.writeTimeout <= 0 {
		g.writeTimeout = wsDefaultWriteTimeout
	}
	if g.readIdleTimeout <= 0 {
		g.readIdleTimeout = wsDefaultReadIdle
	}
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsDefaultSendQueueSize
	}
	if g.heartbeatEvery <= 0 {
		g.heartbeatEvery = keepaliveInterval
	}
	if g.heartbeatTimeout <= 0 {
		g.heartbeatTimeout = keepaliveTimeout
	}
	if g.rateFrames <= 0 {
		g.rateFrames = rateLimitFrames
	}
	if g.rateWindow <= 0 {
		g.rateWindow = rateLimitWindow
	}
	if g.syncLimit <= 0 {
		g.syncLimit = wsDefaultSyncLimit
	}
	if g.syncLimit > wsMaxSyncLimit {
		g.syncLimit = wsMaxSyncLimit
	}

	return g, nil
}

// ServeHTTP adapter so the gateway mounts as an http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the
// realtime loop until the peer closes or the connection fails.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = sock.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := sock.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = sock.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	sock.SetReadLimit(maxFrameBytes)

	sessionID := ulid.Make().String()
	conn := NewConn(sessionID, g.sendQueueSize)
	g.registry.Add(conn)
	g.metrics.ConnectionsActive.Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It never closes conn.Send; registry removal
	// happens before conn.Close so broadcasts stop racing the teardown.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.registry.Drop(conn)
			conn.Close()
			_ = sock.Close(code, reason)
			cancel()
			g.metrics.ConnectionsActive.Dec()
		})
	}

	rl := NewRateLimiter(g.rateFrames, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-conn.Done():
				return
			case ev := <-conn.Send:
				if err := writeEvent(ctx, sock, ev, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-conn.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := sock.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	// Greeting: the session id lets clients correlate logs; authenticated
	// flips to true after a verified auth frame.
	g.enqueue(ctx, conn, v1.ServerEvent{Type: v1.TypeConnected, SessionID: sessionID})

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		frame, err := readFrame(readCtx, sock)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.sendError(ctx, conn, v1.CodeInvalidMessage, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.sendErrorFinal(ctx, sock, v1.CodeInvalidMessage, "too many frames")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := frame.Validate(); err != nil {
			g.sendError(ctx, conn, v1.CodeInvalidMessage, err.Error())
			continue readLoop
		}
		g.metrics.FramesTotal.WithLabelValues(frame.Type).Inc()

		if frame.Type == v1.TypeAuth {
			if err := g.onAuth(ctx, conn, frame); err != nil {
				g.sendErrorFinal(ctx, sock, v1.CodeAuthFailed, "token rejected")
				shutdown(websocket.StatusPolicyViolation, "auth failed")
				break readLoop
			}
			continue readLoop
		}

		// Everything below requires an authenticated connection. The
		// socket stays open so the client can retry auth.
		if !conn.Authenticated() {
			g.sendError(ctx, conn, v1.CodeNotAuthenticated, "authenticate first")
			continue readLoop
		}

		switch frame.Type {
		case v1.TypeSubscribe:
			g.onSubscribe(ctx, conn, frame)
		case v1.TypeUnsubscribe:
			g.registry.Unsubscribe(conn, frame.ThreadID)
		case v1.TypeSendMessage:
			g.onSend(ctx, conn, frame)
		case v1.TypeTyping:
			g.onTyping(ctx, conn, frame)
		case v1.TypeAck:
			g.onAck(ctx, conn, frame)
		case v1.TypeSync:
			g.onSync(ctx, conn, frame)
		default:
			g.sendError(ctx, conn, v1.CodeInvalidMessage, fmt.Sprintf("unsupported type: %s", frame.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// HandleBrokerEvent re-broadcasts an event published by another gateway
// instance to this instance's local subscribers. Wired as the broker
// consumer callback; same-origin entries are filtered before this point.
func (g *Gateway) HandleBrokerEvent(ev broker.Event) {
	var se v1.ServerEvent
	if err := json.Unmarshal(ev.Payload, &se); err != nil {
		g.log.Error("ws.broker.decode", "origin", ev.Origin, "thread_id", ev.ThreadID, "err", err)
		return
	}
	g.registry.Broadcast(ev.ThreadID, se, nil)
	g.metrics.BrokerConsumed.Inc()
}

// ---- handlers ----

func (g *Gateway) onAuth(ctx context.Context, conn *Conn, f v1.ClientFrame) error {
	id, err := g.verifier.Verify(ctx, f.Token)
	if err != nil {
		g.log.Info("ws.auth.fail", "session_id", conn.SessionID, "err", err)
		return err
	}
	if err := g.registry.Register(conn, id.UserID); err != nil {
		return err
	}

	g.log.Info("ws.auth.ok", "session_id", conn.SessionID, "user_id", id.UserID)
	g.enqueue(ctx, conn, v1.ServerEvent{
		Type:          v1.TypeConnected,
		Authenticated: true,
		SessionID:     conn.SessionID,
		UserID:        id.UserID,
	})
	return nil
}

func (g *Gateway) onSubscribe(ctx context.Context, conn *Conn, f v1.ClientFrame) {
	ok, err := g.store.IsParticipant(ctx, f.ThreadID, conn.UserID())
	if err != nil {
		g.log.Error("ws.subscribe.check", "session_id", conn.SessionID, "thread_id", f.ThreadID, "err", err)
		g.sendError(ctx, conn, v1.CodeForbidden, "subscription denied")
		return
	}
	if !ok {
		g.sendError(ctx, conn, v1.CodeForbidden, "not a participant")
		return
	}
	if err := g.registry.Subscribe(conn, f.ThreadID); err != nil {
		g.sendError(ctx, conn, v1.CodeNotAuthenticated, "authenticate first")
	}
}

func (g *Gateway) onSend(ctx context.Context, conn *Conn, f v1.ClientFrame) {
	if f.Body != nil && len([]rune(*f.Body)) > maxBodyChars {
		g.sendError(ctx, conn, v1.CodeInvalidMessage, fmt.Sprintf("body too long: max=%d chars", maxBodyChars))
		return
	}
	if len(f.Attachments) > maxAttachments {
		g.sendError(ctx, conn, v1.CodeInvalidMessage, fmt.Sprintf("too many attachments: max=%d", maxAttachments))
		return
	}

	// An accepted send survives the sender disconnecting: persistence and
	// fan-out run detached from the socket's context.
	sendCtx, sendCancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer sendCancel()

	res, err := g.pipeline.Send(sendCtx, SendInput{
		ThreadID:    f.ThreadID,
		SenderID:    conn.UserID(),
		Kind:        v1.KindText,
		Body:        f.Body,
		Attachments: f.Attachments,
		ClientMsgID: f.ClientMsgID,
	})
	if err != nil {
		if errors.Is(err, ErrForbidden) {
			g.sendError(ctx, conn, v1.CodeForbidden, "send denied")
			return
		}
		g.log.Error("ws.send.fail", "session_id", conn.SessionID, "thread_id", f.ThreadID, "client_msg_id", f.ClientMsgID, "err", err)
		g.sendError(ctx, conn, v1.CodeSendFailed, "message not persisted")
		return
	}

	// The broadcast doubles as the sender's ack: the echoed client_msg_id
	// reconciles the client outbox. Deduplicated retries are answered to
	// the requesting socket only, and an unsubscribed sender still gets
	// its copy directly.
	if res.Duplicated || !g.registry.Subscribed(conn, f.ThreadID) {
		g.enqueue(ctx, conn, v1.MessageEvent(res.Message))
	}
}

func (g *Gateway) onTyping(ctx context.Context, conn *Conn, f v1.ClientFrame) {
	// Typing is fire-and-forget and gated on an active subscription; no
	// store round-trip, no error replies.
	if !g.registry.Subscribed(conn, f.ThreadID) {
		return
	}
	ev := v1.ServerEvent{
		Type:     v1.TypeTyping,
		ThreadID: f.ThreadID,
		UserID:   conn.UserID(),
		Typing:   f.Typing,
	}
	g.registry.Broadcast(f.ThreadID, ev, conn)
	g.pipeline.PublishEvent(ctx, f.ThreadID, ev)
}

func (g *Gateway) onAck(ctx context.Context, conn *Conn, f v1.ClientFrame) {
	userID := conn.UserID()

	ok, err := g.store.IsParticipant(ctx, f.ThreadID, userID)
	if err != nil {
		g.log.Error("ws.ack.check", "session_id", conn.SessionID, "thread_id", f.ThreadID, "err", err)
		g.sendError(ctx, conn, v1.CodeSendFailed, "receipt not recorded")
		return
	}
	if !ok {
		g.sendError(ctx, conn, v1.CodeForbidden, "not a participant")
		return
	}

	rcpt, err := g.store.UpsertReceipt(ctx, f.ThreadID, f.MessageID, userID, f.Status)
	if err != nil {
		if !store.Retryable(err) {
			g.sendError(ctx, conn, v1.CodeForbidden, "receipt denied")
			return
		}
		g.log.Error("ws.ack.upsert", "session_id", conn.SessionID, "thread_id", f.ThreadID, "message_id", f.MessageID, "err", err)
		g.sendError(ctx, conn, v1.CodeSendFailed, "receipt not recorded")
		return
	}

	// The receipt is already durable at this point; lookup failures only
	// degrade the aggregate, they never suppress the broadcast.
	agg := rcpt.Status
	if msg, err := g.store.GetMessage(ctx, f.ThreadID, f.MessageID); err != nil {
		g.log.Error("ws.ack.message", "thread_id", f.ThreadID, "message_id", f.MessageID, "err", err)
	} else if a, err := g.store.AggregateStatus(ctx, f.ThreadID, f.MessageID, msg.SenderID); err != nil {
		g.log.Error("ws.ack.aggregate", "thread_id", f.ThreadID, "message_id", f.MessageID, "err", err)
	} else {
		agg = a
	}

	ev := v1.ServerEvent{
		Type:      v1.TypeAck,
		ThreadID:  f.ThreadID,
		MessageID: f.MessageID,
		UserID:    userID,
		Status:    rcpt.Status,
		Aggregate: agg,
	}
	g.registry.Broadcast(f.ThreadID, ev, nil)
	g.pipeline.PublishEvent(ctx, f.ThreadID, ev)
}

func (g *Gateway) onSync(ctx context.Context, conn *Conn, f v1.ClientFrame) {
	ok, err := g.store.IsParticipant(ctx, f.ThreadID, conn.UserID())
	if err != nil || !ok {
		if err != nil {
			g.log.Error("ws.sync.check", "session_id", conn.SessionID, "thread_id", f.ThreadID, "err", err)
		}
		g.sendError(ctx, conn, v1.CodeForbidden, "not a participant")
		return
	}

	out, err := g.store.ListMessages(ctx, f.ThreadID, store.ListOptions{
		After: f.LastServerMsgID,
		Limit: g.syncLimit,
	})
	if err != nil {
		g.log.Error("ws.sync.list", "session_id", conn.SessionID, "thread_id", f.ThreadID, "after", f.LastServerMsgID, "err", err)
		g.sendError(ctx, conn, v1.CodeSyncFailed, "sync failed")
		return
	}

	msgs := make([]v1.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, m.Wire())
	}
	g.enqueue(ctx, conn, v1.ServerEvent{
		Type:     v1.TypeSync,
		ThreadID: f.ThreadID,
		Messages: msgs,
		HasMore:  out.HasMore,
	})
}

// ---- send helpers ----

func (g *Gateway) sendError(ctx context.Context, conn *Conn, code, msg string) {
	g.metrics.ProtocolErrors.WithLabelValues(code).Inc()
	g.enqueue(ctx, conn, v1.ErrorEvent(code, msg))
}

// sendErrorFinal writes a terminal error straight to the socket, bypassing
// the send queue. Used on paths that close the connection right after: a
// queued event would race the close and may never reach the peer.
func (g *Gateway) sendErrorFinal(ctx context.Context, sock *websocket.Conn, code, msg string) {
	g.metrics.ProtocolErrors.WithLabelValues(code).Inc()
	if err := writeEvent(ctx, sock, v1.ErrorEvent(code, msg), g.writeTimeout); err != nil {
		g.log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
	}
}

func (g *Gateway) enqueue(ctx context.Context, conn *Conn, ev v1.ServerEvent) bool {
	select {
	case <-ctx.Done():
		return false
	case <-conn.Done():
		return false
	case conn.Send <- ev:
		return true
	default:
		g.metrics.BroadcastDrops.Inc()
		return false
	}
}

// ---- frame IO ----

func readFrame(ctx context.Context, sock *websocket.Conn) (v1.ClientFrame, error) {
	mt, data, err := sock.Read(ctx)
	if err != nil {
		return v1.ClientFrame{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.ClientFrame{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var f v1.ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return v1.ClientFrame{}, errBadJSON{err}
	}
	return f, nil
}

func writeEvent(parent context.Context, sock *websocket.Conn, ev v1.ServerEvent, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return sock.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type errBadJSON struct{ err error }

func (e errBadJSON) Error() string { return e.err.Error() }
func (e errBadJSON) Unwrap() error { return e.err }

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bad errBadJSON
	if errors.As(err, &bad) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func originPatternsFromAllowed(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host.
	// Only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}
