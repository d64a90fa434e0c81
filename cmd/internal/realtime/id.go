package realtime

import (
	"time"

	"chatsync/cmd/internal/ids"
)

// NewSessionID returns a ULID used as websocket session id.
func NewSessionID(now time.Time) string {
	if id, err := ids.NewULID(now); err == nil {
		return id
	}
	return ids.NewToken()
}

// NewEnvelopeID returns a ULID used as envelope id.
// ULIDs sort by time, which keeps logs readable.
func NewEnvelopeID(now time.Time) string {
	if id, err := ids.NewULID(now); err == nil {
		return id
	}
	return ids.NewToken()
}
