package realtime

import (
	"errors"
	"log/slog"
	"sync"

	v1 "relay/contracts/dm/v1"
	"relay/internal/metrics"
)

// ErrNotAuthenticated is returned when a pre-auth connection attempts an
// operation that requires a user mapping.
var ErrNotAuthenticated = errors.New("realtime: connection not authenticated")

// Registry is the gateway-owned bookkeeping of live sockets: which user a
// socket belongs to and which sockets subscribe to which thread. It is an
// explicit object injected into the gateway (never a package-level
// singleton) so instances in tests do not share state.
//
// Concurrency guarantees:
// - All mutations are O(1) map operations under one lock.
// - Broadcast never blocks (drops under backpressure) and never closes a
//   connection's Send channel.
// - Dead connections are skipped by Broadcast, not removed; removal
//   happens only via Drop from the close path to avoid racing in-flight
//   sends.
type Registry struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	conns   map[*Conn]map[int64]struct{} // conn -> subscribed thread set
	users   map[string]map[*Conn]struct{}
	threads map[int64]map[*Conn]struct{}
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger, m *metrics.Metrics) *Registry {
	if m == nil {
		m = metrics.Nop()
	}
	return &Registry{
		log:     log,
		metrics: m,
		conns:   make(map[*Conn]map[int64]struct{}),
		users:   make(map[string]map[*Conn]struct{}),
		threads: make(map[int64]map[*Conn]struct{}),
	}
}

// Add tracks a freshly accepted, not yet authenticated connection.
func (r *Registry) Add(c *Conn) {
	if c == nil {
		return
	}
	r.mu.Lock()
	if _, ok := r.conns[c]; !ok {
		r.conns[c] = make(map[int64]struct{})
	}
	r.mu.Unlock()
}

// Register binds an authenticated user to a connection. Idempotent.
func (r *Registry) Register(c *Conn, userID string) error {
	if c == nil || userID == "" {
		return ErrNotAuthenticated
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c]; !ok {
		r.conns[c] = make(map[int64]struct{})
	}

	// Re-auth as a different user moves the socket between user sets;
	// leaving it in the old set would keep the old user online forever.
	if prev := c.UserID(); prev != "" && prev != userID {
		if set, ok := r.users[prev]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(r.users, prev)
			}
		}
	}
	c.setUser(userID)

	set := r.users[userID]
	if set == nil {
		set = make(map[*Conn]struct{})
		r.users[userID] = set
	}
	set[c] = struct{}{}
	return nil
}

// Subscribe adds the connection to a thread's subscriber set. Requires a
// completed auth. Idempotent.
func (r *Registry) Subscribe(c *Conn, threadID int64) error {
	if c == nil || !c.Authenticated() {
		return ErrNotAuthenticated
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.conns[c]
	if !ok {
		subs = make(map[int64]struct{})
		r.conns[c] = subs
	}
	subs[threadID] = struct{}{}

	set := r.threads[threadID]
	if set == nil {
		set = make(map[*Conn]struct{})
		r.threads[threadID] = set
	}
	set[c] = struct{}{}
	return nil
}

// Unsubscribe removes the connection from a thread's subscriber set and
// prunes the thread entry when it empties, bounding memory.
func (r *Registry) Unsubscribe(c *Conn, threadID int64) {
	if c == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if subs, ok := r.conns[c]; ok {
		delete(subs, threadID)
	}
	if set, ok := r.threads[threadID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.threads, threadID)
		}
	}
}

// Drop tears down all of a connection's subscriptions and prunes its user
// mapping when the user's socket set empties. Called from the close path.
func (r *Registry) Drop(c *Conn) {
	if c == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for threadID := range r.conns[c] {
		if set, ok := r.threads[threadID]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(r.threads, threadID)
			}
		}
	}
	delete(r.conns, c)

	if uid := c.UserID(); uid != "" {
		if set, ok := r.users[uid]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(r.users, uid)
			}
		}
	}
}

// Broadcast fans an event out to every live subscriber of a thread except
// the optionally excluded connection. Non-blocking: a full queue or a
// closing connection drops that delivery.
func (r *Registry) Broadcast(threadID int64, ev v1.ServerEvent, exclude *Conn) (delivered int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for c := range r.threads[threadID] {
		if c == nil || c == exclude || c.Closed() {
			continue
		}
		select {
		case c.Send <- ev:
			delivered++
			r.metrics.BroadcastsTotal.Inc()
		default:
			// Drop rather than block the whole thread.
			r.metrics.BroadcastDrops.Inc()
		}
	}
	return delivered
}

// Online reports which of the given users currently have at least one
// live socket.
func (r *Registry) Online(userIDs []string) map[string]bool {
	out := make(map[string]bool, len(userIDs))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, uid := range userIDs {
		out[uid] = len(r.users[uid]) > 0
	}
	return out
}

// Subscribed reports whether the connection subscribes to the thread.
func (r *Registry) Subscribed(c *Conn, threadID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[c][threadID]
	return ok
}

// Subscribers returns the current subscriber count for a thread.
func (r *Registry) Subscribers(threadID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.threads[threadID])
}
