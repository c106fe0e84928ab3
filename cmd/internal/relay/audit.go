package relay

import (
	"context"
	"time"
)

// Audit actions (stable; stored as-is).
const (
	AuditJoin   = "session.join"
	AuditReject = "session.reject"
	AuditLeave  = "session.leave"
	AuditFile   = "file.relay"
)

// AuditEvent is one session lifecycle record. Message bodies and file payloads
// are never recorded.
type AuditEvent struct {
	SessionID string
	Action    string
	Name      string
	Remote    string
	Transport string
	Attrs     map[string]string
	At        time.Time
}

// AuditStore records session lifecycle events.
type AuditStore interface {
	Record(ctx context.Context, ev AuditEvent) error
	// Recent returns up to limit events, newest first.
	Recent(ctx context.Context, limit int) ([]AuditEvent, error)
	Close() error
}

func clampRecentLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
