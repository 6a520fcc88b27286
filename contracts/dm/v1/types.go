// Package v1 defines the Relay DM wire protocol.
//
// This package is intentionally stable and dependency-light.
// It is shared between the gateway and clients to keep the wire
// protocol authoritative.
package v1

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Frame type constants (wire-stable).
const (
	// TypeAuth authenticates the connection (client -> server).
	TypeAuth = "auth"
	// TypeConnected is emitted on socket open and again after auth (server -> client).
	TypeConnected = "connected"

	// TypeSubscribe subscribes the connection to a thread (client -> server).
	TypeSubscribe = "subscribe"
	// TypeUnsubscribe removes a thread subscription (client -> server).
	TypeUnsubscribe = "unsubscribe"

	// TypeSendMessage requests durable persistence and fan-out of a message (client -> server).
	TypeSendMessage = "send_message"
	// TypeMessage broadcasts an accepted message to thread subscribers (server -> client).
	TypeMessage = "message"

	// TypeTyping carries a typing indicator (both directions).
	TypeTyping = "typing"

	// TypeAck upserts a delivery/read receipt (client -> server) and is
	// re-broadcast with the aggregate status (server -> client).
	TypeAck = "ack"

	// TypeSync requests messages above a cursor after reconnect (client -> server);
	// the reply carries the missed window (server -> client).
	TypeSync = "sync"

	// TypeError is a protocol-level error, sent only to the originating connection.
	TypeError = "error"
)

// Error codes (wire-stable). Retryability is explicit so clients never
// string-match.
const (
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
	CodeAuthFailed       = "AUTH_FAILED"
	CodeForbidden        = "FORBIDDEN"
	CodeSendFailed       = "SEND_FAILED"
	CodeSyncFailed       = "SYNC_FAILED"
	CodeInvalidMessage   = "INVALID_MESSAGE"
)

// RetryableCode reports whether an error code describes a transient
// condition the client may retry.
func RetryableCode(code string) bool {
	switch code {
	case CodeSendFailed, CodeSyncFailed:
		return true
	default:
		return false
	}
}

// MessageKind discriminates user messages from server-generated ones.
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindSystem MessageKind = "system"
)

// ReceiptStatus is a per-recipient delivery state. Statuses are ordered:
// sent < delivered < read. Upserts never downgrade.
type ReceiptStatus string

const (
	StatusSent      ReceiptStatus = "sent"
	StatusDelivered ReceiptStatus = "delivered"
	StatusRead      ReceiptStatus = "read"
)

// Rank returns the ordering position of a status (unknown statuses rank lowest).
func (s ReceiptStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is a known receipt status.
func (s ReceiptStatus) Valid() bool { return s.Rank() > 0 }

// Attachment is a storage reference carried by a message. Bytes are
// uploaded to storage before the message referencing them is sent; the
// gateway never proxies attachment content.
type Attachment struct {
	Type   string `json:"type"`
	Bucket string `json:"bucket,omitempty"`
	Path   string `json:"path"`
	Size   int64  `json:"size,omitempty"`
	Mime   string `json:"mime,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Name   string `json:"name,omitempty"`

	// URL is a time-limited retrieval URL resolved by the server; never
	// supplied by clients.
	URL string `json:"url,omitempty"`
}

// Message is the canonical wire representation of a persisted message.
// MessageID is assigned by the store and is monotonically increasing
// within its thread; it doubles as the pagination/sync cursor.
type Message struct {
	ThreadID    int64        `json:"thread_id"`
	MessageID   int64        `json:"message_id"`
	ClientMsgID string       `json:"client_msg_id,omitempty"`
	SenderID    string       `json:"sender_id"`
	Kind        MessageKind  `json:"kind"`
	Body        *string      `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	EditedAt    *time.Time   `json:"edited_at,omitempty"`
	DeletedAt   *time.Time   `json:"deleted_at,omitempty"`
}

// ClientFrame is the client -> server frame union, discriminated by Type.
type ClientFrame struct {
	Type string `json:"type"`

	// auth
	Token string `json:"token,omitempty"`

	// subscribe / unsubscribe / send_message / typing / ack / sync
	ThreadID int64 `json:"thread_id,omitempty"`

	// send_message
	Body        *string      `json:"body,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ClientMsgID string       `json:"client_msg_id,omitempty"`

	// typing
	Typing *bool `json:"typing,omitempty"`

	// ack
	MessageID int64         `json:"message_id,omitempty"`
	Status    ReceiptStatus `json:"status,omitempty"`

	// sync
	LastServerMsgID int64 `json:"last_server_msg_id,omitempty"`
}

// Validate performs structural validation for a client frame.
func (f ClientFrame) Validate() error {
	switch f.Type {
	case TypeAuth:
		if strings.TrimSpace(f.Token) == "" {
			return errors.New("missing token")
		}
	case TypeSubscribe, TypeUnsubscribe:
		if f.ThreadID <= 0 {
			return errors.New("missing thread_id")
		}
	case TypeSendMessage:
		if f.ThreadID <= 0 {
			return errors.New("missing thread_id")
		}
		if strings.TrimSpace(f.ClientMsgID) == "" {
			return errors.New("missing client_msg_id")
		}
		if (f.Body == nil || strings.TrimSpace(*f.Body) == "") && len(f.Attachments) == 0 {
			return errors.New("empty message")
		}
	case TypeTyping:
		if f.ThreadID <= 0 {
			return errors.New("missing thread_id")
		}
		if f.Typing == nil {
			return errors.New("missing typing")
		}
	case TypeAck:
		if f.ThreadID <= 0 {
			return errors.New("missing thread_id")
		}
		if f.MessageID <= 0 {
			return errors.New("missing message_id")
		}
		if !f.Status.Valid() {
			return fmt.Errorf("invalid status: %q", f.Status)
		}
	case TypeSync:
		if f.ThreadID <= 0 {
			return errors.New("missing thread_id")
		}
		if f.LastServerMsgID < 0 {
			return errors.New("invalid last_server_msg_id")
		}
	case "":
		return errors.New("missing type")
	default:
		return fmt.Errorf("unknown type: %q", f.Type)
	}
	return nil
}

// ServerEvent is the server -> client event union, discriminated by Type.
// Message events are flat: the accepted message's fields sit directly on
// the event (message{message_id: 101, body: "hi", ...}).
type ServerEvent struct {
	Type string `json:"type"`

	// connected
	Authenticated bool   `json:"authenticated,omitempty"`
	SessionID     string `json:"session_id,omitempty"`

	// message / typing / ack / sync
	ThreadID int64 `json:"thread_id,omitempty"`

	// message (for ack events, user_id is the acking participant)
	MessageID   int64        `json:"message_id,omitempty"`
	ClientMsgID string       `json:"client_msg_id,omitempty"`
	SenderID    string       `json:"sender_id,omitempty"`
	UserID      string       `json:"user_id,omitempty"`
	Kind        MessageKind  `json:"kind,omitempty"`
	Body        *string      `json:"body,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   *time.Time   `json:"created_at,omitempty"`

	// typing
	Typing *bool `json:"typing,omitempty"`

	// ack: per-user status plus the sender-visible aggregate across all
	// other participants.
	Status    ReceiptStatus `json:"status,omitempty"`
	Aggregate ReceiptStatus `json:"aggregate,omitempty"`

	// sync
	Messages []Message `json:"messages,omitempty"`
	HasMore  bool      `json:"has_more,omitempty"`

	// error
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// MessageEvent builds a flat message broadcast event from a wire message.
func MessageEvent(m Message) ServerEvent {
	created := m.CreatedAt
	return ServerEvent{
		Type:        TypeMessage,
		ThreadID:    m.ThreadID,
		MessageID:   m.MessageID,
		ClientMsgID: m.ClientMsgID,
		SenderID:    m.SenderID,
		Kind:        m.Kind,
		Body:        m.Body,
		Attachments: m.Attachments,
		CreatedAt:   &created,
	}
}

// AsMessage reconstructs the wire message carried by a flat message event.
func (e ServerEvent) AsMessage() Message {
	m := Message{
		ThreadID:    e.ThreadID,
		MessageID:   e.MessageID,
		ClientMsgID: e.ClientMsgID,
		SenderID:    e.SenderID,
		Kind:        e.Kind,
		Body:        e.Body,
		Attachments: e.Attachments,
	}
	if e.CreatedAt != nil {
		m.CreatedAt = *e.CreatedAt
	}
	return m
}

// ErrorEvent builds a protocol error event with explicit retryability.
func ErrorEvent(code, msg string) ServerEvent {
	return ServerEvent{
		Type:      TypeError,
		Code:      code,
		Error:     msg,
		Retryable: RetryableCode(code),
	}
}
