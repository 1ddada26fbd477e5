package realtime

import (
	"time"

	"github.com/Crazynotdev/Tts/cmd/internal/ids"
)

// NewConnID returns a ULID naming one websocket connection. It doubles as the
// connection's default room.
func NewConnID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
func NewEnvelopeID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
