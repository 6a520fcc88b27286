package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message body length (runes).
	maxBodyChars = 4000

	// Max attachments per message.
	maxAttachments = 10
)

const (
	// Keepalive defaults: ping every 30s, close after 60s without
	// pong/traffic (two consecutive ping failures).
	keepaliveInterval = 30 * time.Second
	keepaliveTimeout  = 10 * time.Second
	maxPingFailures   = 2

	// Per-connection rate limits (frames per window).
	rateLimitFrames = 120
	rateLimitWindow = 10 * time.Second
)
