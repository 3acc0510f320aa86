package realtime

import "time"

const (
	// Outbound queue per session. A full queue disconnects the slow session.
	defaultSendQueueSize = 256
	minSendQueueSize     = 16

	// Bound on a single outbound write; a stalled peer fails the write and disconnects.
	defaultWriteTimeout = 10 * time.Second

	// Max bytes per inbound frame (TCP body or WebSocket message).
	defaultMaxFrameBytes = 1 << 20 // 1 MiB

	// Backoff after a failed Accept before retrying.
	acceptRetryDelay = 50 * time.Millisecond
)

const (
	// Per-session inbound rate limit defaults, used when limiting is enabled
	// with a non-positive window or event count.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
