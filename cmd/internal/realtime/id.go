package realtime

import (
	"time"

	"docsync/cmd/internal/ids"
)

// NewSessionID returns a ULID used as session id for both transports.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
