package realtime

import (
	"sync"
	"time"

	v1 "relay/contracts/dm/v1"
)

// Conn represents one connected websocket session.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from
//   concurrent broadcasters.
// - done signals the writer/heartbeat goroutines to stop.
// - Close is idempotent.
// - The user id is empty until authentication completes.
type Conn struct {
	SessionID   string
	Send        chan v1.ServerEvent
	ConnectedAt time.Time

	mu     sync.RWMutex
	userID string

	done      chan struct{}
	closeOnce sync.Once
}

// NewConn constructs a Conn with a bounded send queue.
func NewConn(sessionID string, sendQueueSize int) *Conn {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Conn{
		SessionID:   sessionID,
		Send:        make(chan v1.ServerEvent, sendQueueSize),
		ConnectedAt: time.Now().UTC(),
		done:        make(chan struct{}),
	}
}

// UserID returns the authenticated user id, or "" before auth.
func (c *Conn) UserID() string {
	if c == nil {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Authenticated reports whether auth has completed on this connection.
func (c *Conn) Authenticated() bool { return c.UserID() != "" }

func (c *Conn) setUser(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// Done returns a channel that is closed when the connection is shutting down.
func (c *Conn) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Closed reports whether the connection is shutting down.
func (c *Conn) Closed() bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

// Close signals the connection goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Conn) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
