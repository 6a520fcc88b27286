package client

import (
	"sync"
	"time"
)

const (
	// typingRefresh suppresses repeat typing=true sends while the user
	// keeps typing; typingIdle auto-sends typing=false after a pause.
	typingRefresh = 3 * time.Second
	typingIdle    = 5 * time.Second
)

// typingDebouncer rate-limits outgoing typing indicators per thread:
// typing=true goes out at most once per refresh window, typing=false goes
// out once after the idle window or immediately on an explicit stop.
type typingDebouncer struct {
	clock Clock
	send  func(threadID int64, typing bool)

	mu      sync.Mutex
	lastOn  map[int64]time.Time
	pending map[int64]chan struct{} // idle-stop cancelers
}

func newTypingDebouncer(clock Clock, send func(threadID int64, typing bool)) *typingDebouncer {
	return &typingDebouncer{
		clock:   clock,
		send:    send,
		lastOn:  make(map[int64]time.Time),
		pending: make(map[int64]chan struct{}),
	}
}

// Touch records a keystroke. The first touch in a window emits
// typing=true and arms the idle auto-stop; later touches only re-arm it.
func (d *typingDebouncer) Touch(threadID int64) {
	now := d.clock.Now()

	d.mu.Lock()
	last, seen := d.lastOn[threadID]
	emit := !seen || now.Sub(last) >= typingRefresh
	if emit {
		d.lastOn[threadID] = now
	}
	d.rearmLocked(threadID)
	d.mu.Unlock()

	if emit {
		d.send(threadID, true)
	}
}

// Stop emits typing=false immediately (message sent, input cleared).
func (d *typingDebouncer) Stop(threadID int64) {
	d.mu.Lock()
	d.disarmLocked(threadID)
	delete(d.lastOn, threadID)
	d.mu.Unlock()

	d.send(threadID, false)
}

func (d *typingDebouncer) rearmLocked(threadID int64) {
	d.disarmLocked(threadID)

	cancel := make(chan struct{})
	d.pending[threadID] = cancel

	after := d.clock.After(typingIdle)
	go func() {
		select {
		case <-cancel:
		case <-after:
			d.mu.Lock()
			armed := d.pending[threadID] == cancel
			if armed {
				delete(d.pending, threadID)
				delete(d.lastOn, threadID)
			}
			d.mu.Unlock()
			// A timer that lost the race to a re-arm stays silent.
			if armed {
				d.send(threadID, false)
			}
		}
	}()
}

func (d *typingDebouncer) disarmLocked(threadID int64) {
	if c, ok := d.pending[threadID]; ok {
		close(c)
		delete(d.pending, threadID)
	}
}
