package realtime

import "time"

const (
	// Max bytes per websocket frame read. Clients only send small control envelopes.
	maxFrameBytes = 16 << 10

	// Events kept per room for clients that join after they were published.
	defaultBacklog = 16

	// Rooms without members are dropped after this long without a publish.
	defaultRoomTTL = 10 * time.Minute
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 30
	rateLimitWindow = 10 * time.Second
)
