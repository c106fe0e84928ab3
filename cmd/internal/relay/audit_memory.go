package relay

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"
)

const (
	memMaxAuditEvents = 10_000
)

// InMemoryAuditStore is the fallback when no database is configured.
// It keeps the most recent memMaxAuditEvents events.
type InMemoryAuditStore struct {
	mu     sync.Mutex
	events []AuditEvent
}

// NewInMemoryAuditStore constructs an in-memory AuditStore.
func NewInMemoryAuditStore() *InMemoryAuditStore {
	return &InMemoryAuditStore{
		events: make([]AuditEvent, 0, 256),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryAuditStore) Close() error { return nil }

// Record appends ev.
func (s *InMemoryAuditStore) Record(ctx context.Context, ev AuditEvent) error {
	if ev.SessionID == "" || ev.Action == "" {
		return errors.New("invalid audit event")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	ev.Attrs = maps.Clone(ev.Attrs)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, ev)

	// Bound memory.
	if len(s.events) > memMaxAuditEvents {
		s.events = s.events[len(s.events)-memMaxAuditEvents:]
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *InMemoryAuditStore) Recent(ctx context.Context, limit int) ([]AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampRecentLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := min(limit, len(s.events))
	out := make([]AuditEvent, 0, n)
	for i := len(s.events) - 1; i >= 0 && len(out) < n; i-- {
		ev := s.events[i]
		ev.Attrs = maps.Clone(ev.Attrs)
		out = append(out, ev)
	}
	return out, nil
}
