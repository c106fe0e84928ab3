// Package ids provides the identifiers used by the relay: ULIDs for sessions and
// UUIDs for file transfers.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewSessionID returns a new ULID string (26 chars).
// ULIDs sort by creation time, which keeps session ids ordered in logs and the audit table.
func NewSessionID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewTransferID returns a random UUID identifying one file relay.
func NewTransferID() string {
	return uuid.NewString()
}
