package realtime

import "time"

// Hard limits and defaults for websocket sessions.
const (
	// Max bytes per websocket frame read.
	maxFrameBytes = 64 << 10 // 64 KiB

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limit (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	wsMinSendQueueSize = 32
	wsMaxPingFailures  = 3
	wsCloseGrace       = 1 * time.Second
)
