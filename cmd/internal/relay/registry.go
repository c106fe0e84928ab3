// Package relay implements the multi-client relay: per-connection sessions,
// the registry of online users, and header/file routing between them.
package relay

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// Entry is one registered user in a Registry snapshot.
type Entry struct {
	Name string
	Peer *Peer
}

type registryEntry struct {
	Entry
	seq uint64
}

// Registry maps display names to peers.
//
// Concurrency guarantees:
//   - Name lookup is case-insensitive; the display name keeps its original casing.
//   - Register is an atomic check-and-insert.
//   - Snapshot copies under the read lock, so callers iterate and write without holding it.
type Registry struct {
	log *slog.Logger

	mu      sync.RWMutex
	entries map[string]*registryEntry
	seq     uint64
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log,
		entries: make(map[string]*registryEntry),
	}
}

// Key returns the canonical registry key for a display name.
func Key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register inserts name -> p unless the name is already taken.
// On success the peer's display name is bound to name.
func (r *Registry) Register(name string, p *Peer) bool {
	key := Key(name)
	if r == nil || p == nil || key == "" {
		return false
	}

	r.mu.Lock()
	if _, taken := r.entries[key]; taken {
		r.mu.Unlock()
		r.log.Info("registry.register.conflict", "name", name, "session_id", p.SessionID)
		return false
	}
	r.seq++
	r.entries[key] = &registryEntry{Entry: Entry{Name: name, Peer: p}, seq: r.seq}
	p.bindName(name)
	size := len(r.entries)
	r.mu.Unlock()

	r.log.Info("registry.register", "name", name, "session_id", p.SessionID, "online", size)
	return true
}

// Unregister removes name. A missing name is a no-op.
func (r *Registry) Unregister(name string) (*Peer, bool) {
	key := Key(name)
	if r == nil || key == "" {
		return nil, false
	}

	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	size := len(r.entries)
	r.mu.Unlock()

	if !ok {
		return nil, false
	}
	r.log.Info("registry.unregister", "name", e.Name, "session_id", e.Peer.SessionID, "online", size)
	return e.Peer, true
}

// UnregisterPeer removes p's name only while it still maps to p.
// A newer session that reused the name is left in place.
func (r *Registry) UnregisterPeer(p *Peer) bool {
	if r == nil || p == nil {
		return false
	}
	key := Key(p.Name())
	if key == "" {
		return false
	}

	r.mu.Lock()
	e, ok := r.entries[key]
	if ok && e.Peer == p {
		delete(r.entries, key)
	} else {
		ok = false
	}
	size := len(r.entries)
	r.mu.Unlock()

	if ok {
		r.log.Info("registry.unregister", "name", e.Name, "session_id", p.SessionID, "online", size)
	}
	return ok
}

// Lookup resolves a name case-insensitively.
func (r *Registry) Lookup(name string) (*Peer, bool) {
	key := Key(name)
	if r == nil || key == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	return e.Peer, true
}

// Snapshot returns the registered users in registration order.
func (r *Registry) Snapshot() []Entry {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	all := make([]*registryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	r.mu.RUnlock()

	slices.SortFunc(all, func(a, b *registryEntry) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		default:
			return 0
		}
	})

	out := make([]Entry, len(all))
	for i, e := range all {
		out[i] = e.Entry
	}
	return out
}

// Names returns display names in registration order.
func (r *Registry) Names() []string {
	snap := r.Snapshot()
	names := make([]string, len(snap))
	for i, e := range snap {
		names[i] = e.Name
	}
	return names
}

// Len returns the number of registered users.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CloseAll closes every registered peer's stream without removing it.
// Each session observes the closed stream and runs its own teardown.
func (r *Registry) CloseAll() int {
	snap := r.Snapshot()
	for _, e := range snap {
		_ = e.Peer.Close()
	}
	return len(snap)
}
