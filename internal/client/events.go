package client

import (
	v1 "relay/contracts/dm/v1"
)

// Event is a typed notification delivered on Client.Events. Exactly one
// concrete type per protocol occurrence; consumers switch on the type.
type Event interface {
	event()
}

// Connected fires when the socket is (re)established and authenticated.
type Connected struct {
	SessionID string
}

// Disconnected fires when the socket drops; the client keeps reconnecting
// until its context is cancelled. Code is CONNECTION_ERROR for dial
// failures and NETWORK_ERROR for drops of an established session.
type Disconnected struct {
	Code string
	Err  error
}

// MessageReceived carries a broadcast message, including the echo of this
// client's own accepted sends.
type MessageReceived struct {
	Message v1.Message
}

// TypingChanged carries another participant's typing indicator.
type TypingChanged struct {
	ThreadID int64
	UserID   string
	Typing   bool
}

// ReceiptUpdated carries a receipt upsert with the sender-visible
// aggregate.
type ReceiptUpdated struct {
	ThreadID  int64
	MessageID int64
	UserID    string
	Status    v1.ReceiptStatus
	Aggregate v1.ReceiptStatus
}

// SyncCompleted carries the gap-fill window after a reconnect sync.
type SyncCompleted struct {
	ThreadID int64
	Messages []v1.Message
	HasMore  bool
}

// SendFailed fires when an outbox entry exhausts its retry budget or is
// rejected permanently.
type SendFailed struct {
	ThreadID    int64
	ClientMsgID string
	Reason      string
}

// ProtocolError surfaces server error events worth a user-visible
// notification. Errors below the severity threshold are logged instead.
type ProtocolError struct {
	Code      string
	Message   string
	Retryable bool
	Severity  Severity
}

func (Connected) event()       {}
func (Disconnected) event()    {}
func (MessageReceived) event() {}
func (TypingChanged) event()   {}
func (ReceiptUpdated) event()  {}
func (SyncCompleted) event()   {}
func (SendFailed) event()      {}
func (ProtocolError) event()   {}
