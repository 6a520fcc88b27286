// Package store contains Relay's thread/message persistence primitives.
package store

import (
	"context"
	"errors"
	"time"

	v1 "relay/contracts/dm/v1"
)

// Sentinel errors. Retryability is derived from these, never from strings.
var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidInput is a permanent validation rejection.
	ErrInvalidInput = errors.New("store: invalid input")
	// ErrNotParticipant means the user is not a member of the thread.
	ErrNotParticipant = errors.New("store: not a participant")
)

// Retryable reports whether a store error is transient. Validation and
// missing-row failures are permanent; everything else (network, pool,
// serialization) may succeed on retry.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotParticipant) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Thread is a conversation between a fixed set of participants
// (direct threads: exactly two). Threads are never hard-deleted.
type Thread struct {
	ID            int64
	Participants  []string
	LastMessageID int64
	LastMessageAt *time.Time
	CreatedAt     time.Time
}

// Message is the canonical persisted message. ID is assigned by the store
// and is monotonically increasing within its thread; it is both the primary
// key (with ThreadID) and the ordering/sync cursor.
type Message struct {
	ThreadID    int64
	ID          int64
	ClientMsgID string
	SenderID    string
	Kind        v1.MessageKind
	Body        *string
	Attachments []v1.Attachment
	CreatedAt   time.Time
	EditedAt    *time.Time
	DeletedAt   *time.Time
}

// Wire converts a stored message into its wire representation.
func (m Message) Wire() v1.Message {
	return v1.Message{
		ThreadID:    m.ThreadID,
		MessageID:   m.ID,
		ClientMsgID: m.ClientMsgID,
		SenderID:    m.SenderID,
		Kind:        m.Kind,
		Body:        m.Body,
		Attachments: m.Attachments,
		CreatedAt:   m.CreatedAt,
		EditedAt:    m.EditedAt,
		DeletedAt:   m.DeletedAt,
	}
}

// Participant is a per-user view of a thread (mute/archive are independent
// per participant; archiving never deletes the thread).
type Participant struct {
	ThreadID int64
	UserID   string
	Muted    bool
	Archived bool
	JoinedAt time.Time
}

// Receipt is a per-recipient delivery state for one message.
type Receipt struct {
	ThreadID  int64
	MessageID int64
	UserID    string
	Status    v1.ReceiptStatus
	UpdatedAt time.Time
}

// InsertMessageInput describes an idempotent message insert.
type InsertMessageInput struct {
	ThreadID    int64
	SenderID    string
	Kind        v1.MessageKind
	Body        *string
	Attachments []v1.Attachment
	ClientMsgID string
	Now         time.Time
}

// InsertMessageResult is the insert outcome. Duplicated is true when a row
// with the same (thread, client_msg_id) already existed; Stored is then the
// original row, never a second copy.
type InsertMessageResult struct {
	Stored     Message
	Duplicated bool
}

// ListOptions pages a thread's messages by id cursor.
//
// Before > 0 pages backward from the live edge (newest-first).
// Otherwise the read fills forward from After (oldest-first); After == 0
// starts at the beginning of the thread.
type ListOptions struct {
	Before int64
	After  int64
	Limit  int
}

// ListResult is one page of messages plus a continuation hint.
type ListResult struct {
	Messages []Message
	HasMore  bool
}

// Store persists and queries threads, messages, receipts, and the
// per-participant flags. The datastore's uniqueness constraints are the
// sole dedup boundary for concurrent duplicate sends.
type Store interface {
	// InsertMessage persists a message exactly once per
	// (thread, client_msg_id) and allocates the next monotone id.
	InsertMessage(ctx context.Context, in InsertMessageInput) (InsertMessageResult, error)

	// ListMessages returns a page ordered by id per ListOptions.
	ListMessages(ctx context.Context, threadID int64, opt ListOptions) (ListResult, error)

	// GetMessage fetches one message by (thread, id).
	GetMessage(ctx context.Context, threadID, messageID int64) (Message, error)

	// UpdateThreadCursor advances the thread's last-message columns.
	// InsertMessage already does this transactionally; this exists for
	// repair paths and keeps the cursor monotone (never moves backward).
	UpdateThreadCursor(ctx context.Context, threadID, lastMessageID int64, lastMessageAt time.Time) error

	// UpsertReceipt records a delivery state; upgrades only
	// (sent < delivered < read), returns the resulting row.
	UpsertReceipt(ctx context.Context, threadID, messageID int64, userID string, status v1.ReceiptStatus) (Receipt, error)

	// AggregateStatus derives the sender-visible status of a message:
	// read iff every other participant read it, delivered iff every other
	// participant is at least delivered, else sent.
	AggregateStatus(ctx context.Context, threadID, messageID int64, senderID string) (v1.ReceiptStatus, error)

	// MarkReadUpTo upgrades receipts to read for every message in the
	// thread with id <= messageID not sent by userID. Returns the number
	// of receipts touched.
	MarkReadUpTo(ctx context.Context, threadID int64, userID string, messageID int64) (int, error)

	// EnsureDirectThread returns the direct thread between two users,
	// creating it on first contact.
	EnsureDirectThread(ctx context.Context, userA, userB string) (Thread, error)

	GetThread(ctx context.Context, threadID int64) (Thread, error)
	IsParticipant(ctx context.Context, threadID int64, userID string) (bool, error)
	Participants(ctx context.Context, threadID int64) ([]Participant, error)

	SetMuted(ctx context.Context, threadID int64, userID string, muted bool) error
	SetArchived(ctx context.Context, threadID int64, userID string, archived bool) error

	BlockUser(ctx context.Context, userID, blockedID string) error
	UnblockUser(ctx context.Context, userID, blockedID string) error
	IsBlocked(ctx context.Context, userID, otherID string) (bool, error)

	Close() error
}

// AggregateReceiptStatus folds the per-participant statuses of a message's
// other participants into the sender-visible status.
func AggregateReceiptStatus(statuses []v1.ReceiptStatus) v1.ReceiptStatus {
	if len(statuses) == 0 {
		return v1.StatusSent
	}
	min := v1.StatusRead
	for _, s := range statuses {
		if !s.Valid() {
			s = v1.StatusSent
		}
		if s.Rank() < min.Rank() {
			min = s
		}
	}
	return min
}
