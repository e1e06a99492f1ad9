// Package server exposes the WebSocket and HTTP datagram bridges and the
// status API.
package server

import "time"

// Server configuration constants
const (
	// Per-connection sliding window for WebSocket messages
	RateLimitMessages = 20
	RateLimitWindow   = time.Second

	// Broadcast writes to slow clients are abandoned after this long
	BroadcastWriteTimeout = 2 * time.Second

	// Bridge config messages without host/port fall back to these
	DefaultTargetHost = "127.0.0.1"
	DefaultTargetPort = 8888

	// /api/verdicts paging
	DefaultVerdictLimit = 20
	MaxVerdictLimit     = 500

	ReadHeaderTimeout = 5 * time.Second
	ShutdownTimeout   = 5 * time.Second
)

// Message types exchanged over the bridges
const (
	TypeConfig    = "config"
	TypeConfigAck = "config_ack"
	TypeUDPAck    = "udp_ack"
	TypeError     = "error"
)
