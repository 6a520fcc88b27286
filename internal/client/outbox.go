package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	v1 "relay/contracts/dm/v1"
)

// PendingState is an outbox entry's lifecycle position.
//
//	pending -> sending -> (delete on persisted)
//	                   -> pending (retry scheduled)
//	                   -> failed  (retry budget exhausted / permanent reject)
type PendingState string

const (
	StatePending PendingState = "pending"
	StateSending PendingState = "sending"
	StateFailed  PendingState = "failed"
)

// Outbox retry budget.
const (
	outboxMaxAttempts = 8
)

// PendingMessage is one durably queued send. Entries survive process
// restarts; the client re-reads them on startup and resumes delivery with
// the same client msg id, so retries stay idempotent server-side.
type PendingMessage struct {
	ClientMsgID string          `json:"client_msg_id"`
	ThreadID    int64           `json:"thread_id"`
	Body        *string         `json:"body,omitempty"`
	Attachments []v1.Attachment `json:"attachments,omitempty"`

	State         PendingState `json:"state"`
	Attempts      int          `json:"attempts"`
	EnqueuedAt    time.Time    `json:"enqueued_at"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	LastError     string       `json:"last_error,omitempty"`
}

// Outbox is the durable send queue, one Pebble database per client
// identity. All writes are synced; a crash never loses an accepted
// enqueue.
type Outbox struct {
	mu sync.Mutex
	db *pebble.DB
}

var errOutboxClosed = errors.New("client: outbox closed")

// OpenOutbox opens (or creates) the outbox database at path. Entries left
// in "sending" by a crash are rewound to "pending" so they retry.
func OpenOutbox(path string) (*Outbox, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("client: open outbox: %w", err)
	}
	o := &Outbox{db: db}
	if err := o.rewindSending(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return o, nil
}

func outboxKey(clientMsgID string) []byte {
	return []byte("outbox/" + clientMsgID)
}

// Enqueue records a new pending send. The entry is synced to disk before
// Enqueue returns.
func (o *Outbox) Enqueue(p PendingMessage) error {
	if p.ClientMsgID == "" {
		return errors.New("client: enqueue without client_msg_id")
	}
	p.State = StatePending
	return o.put(p)
}

// MarkSending flips an entry to sending and counts the attempt.
func (o *Outbox) MarkSending(clientMsgID string, now time.Time) (PendingMessage, error) {
	return o.update(clientMsgID, func(p *PendingMessage) {
		p.State = StateSending
		p.Attempts++
		p.NextAttemptAt = now
	})
}

// MarkPersisted removes an entry after the server echoed its message.
// Unknown ids are fine: the echo may arrive for a send already reconciled.
func (o *Outbox) MarkPersisted(clientMsgID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.db == nil {
		return errOutboxClosed
	}
	return o.db.Delete(outboxKey(clientMsgID), pebble.Sync)
}

// Reschedule returns an entry to pending with a retry time. When the
// attempt budget is exhausted the entry is marked failed instead and
// exhausted=true is returned.
func (o *Outbox) Reschedule(clientMsgID string, nextAttempt time.Time, cause string) (p PendingMessage, exhausted bool, err error) {
	p, err = o.update(clientMsgID, func(p *PendingMessage) {
		p.LastError = cause
		if p.Attempts >= outboxMaxAttempts {
			p.State = StateFailed
			return
		}
		p.State = StatePending
		p.NextAttemptAt = nextAttempt
	})
	if err != nil {
		return PendingMessage{}, false, err
	}
	return p, p.State == StateFailed, nil
}

// MarkFailed permanently fails an entry (server rejected the send with a
// non-retryable code).
func (o *Outbox) MarkFailed(clientMsgID, cause string) (PendingMessage, error) {
	return o.update(clientMsgID, func(p *PendingMessage) {
		p.State = StateFailed
		p.LastError = cause
	})
}

// Due returns the pending entries whose retry time has passed, oldest
// first.
func (o *Outbox) Due(now time.Time) ([]PendingMessage, error) {
	all, err := o.List()
	if err != nil {
		return nil, err
	}
	due := all[:0]
	for _, p := range all {
		if p.State == StatePending && !p.NextAttemptAt.After(now) {
			due = append(due, p)
		}
	}
	sortByEnqueue(due)
	return due, nil
}

// List returns every entry in the outbox.
func (o *Outbox) List() ([]PendingMessage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.listLocked()
}

func (o *Outbox) listLocked() ([]PendingMessage, error) {
	if o.db == nil {
		return nil, errOutboxClosed
	}
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("outbox/"),
		UpperBound: []byte("outbox0"), // '0' sorts just after '/'
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []PendingMessage
	for iter.First(); iter.Valid(); iter.Next() {
		var p PendingMessage
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			// A corrupt entry must not wedge the queue.
			continue
		}
		out = append(out, p)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the database. Further calls return errOutboxClosed.
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.db == nil {
		return nil
	}
	err := o.db.Close()
	o.db = nil
	return err
}

func (o *Outbox) put(p PendingMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.putLocked(p)
}

func (o *Outbox) putLocked(p PendingMessage) error {
	if o.db == nil {
		return errOutboxClosed
	}
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return o.db.Set(outboxKey(p.ClientMsgID), b, pebble.Sync)
}

func (o *Outbox) update(clientMsgID string, fn func(*PendingMessage)) (PendingMessage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.db == nil {
		return PendingMessage{}, errOutboxClosed
	}

	val, closer, err := o.db.Get(outboxKey(clientMsgID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return PendingMessage{}, fmt.Errorf("client: outbox entry %s not found", clientMsgID)
		}
		return PendingMessage{}, err
	}
	var p PendingMessage
	uerr := json.Unmarshal(val, &p)
	_ = closer.Close()
	if uerr != nil {
		return PendingMessage{}, uerr
	}

	fn(&p)
	if err := o.putLocked(p); err != nil {
		return PendingMessage{}, err
	}
	return p, nil
}

// rewindSending returns crash-interrupted sends to pending.
func (o *Outbox) rewindSending() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	all, err := o.listLocked()
	if err != nil {
		return err
	}
	for _, p := range all {
		if p.State != StateSending {
			continue
		}
		p.State = StatePending
		if err := o.putLocked(p); err != nil {
			return err
		}
	}
	return nil
}

func sortByEnqueue(ps []PendingMessage) {
	for i := 0; i < len(ps); i++ {
		for j := i + 1; j < len(ps); j++ {
			if ps[j].EnqueuedAt.Before(ps[i].EnqueuedAt) {
				ps[i], ps[j] = ps[j], ps[i]
			}
		}
	}
}
