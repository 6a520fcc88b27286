package client

import (
	v1 "relay/contracts/dm/v1"
)

// Client-side error codes for failures that never reach the server.
const (
	// CodeConnectionError covers dial and handshake failures.
	CodeConnectionError = "CONNECTION_ERROR"
	// CodeNetworkError covers read/write failures on an established socket.
	CodeNetworkError = "NETWORK_ERROR"
)

// Severity ranks a normalized error. Low and medium are logged only; high
// and critical surface a user-visible notification.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Notify reports whether this severity warrants a user-visible
// notification.
func (s Severity) Notify() bool { return s >= SeverityHigh }

// severityFor ranks an error code. Transient conditions that the client
// already compensates for (outbox retry, reconnect backoff, next sync)
// stay below the notification threshold.
func severityFor(code string) Severity {
	switch code {
	case v1.CodeAuthFailed:
		return SeverityCritical
	case v1.CodeForbidden:
		return SeverityHigh
	case v1.CodeSendFailed, v1.CodeSyncFailed, CodeConnectionError, CodeNetworkError:
		return SeverityMedium
	case v1.CodeNotAuthenticated, v1.CodeInvalidMessage:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// sessionErrCode classifies a session failure: errors before the socket
// was established are connection errors, everything after is a network
// error. Both are retryable by reconnecting.
func sessionErrCode(established bool) string {
	if established {
		return CodeNetworkError
	}
	return CodeConnectionError
}
