package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	v1 "relay/shared/contracts/relay/v1"
)

// Delivery summarises one fan-out.
type Delivery struct {
	Attempted int
	Delivered int
	Failed    int
}

// Router delivers headers between registered peers.
//
// Delivery guarantees:
//   - Recipients are resolved from a fresh registry snapshot per call.
//   - Broadcast is best-effort: a failed recipient is dropped and delivery continues.
//   - No registry lock is held while writing to a peer.
type Router struct {
	log     *slog.Logger
	reg     *Registry
	metrics *Metrics

	maxFileBytes int64
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithMaxFileBytes caps FILE payloads. n <= 0 disables the cap.
func WithMaxFileBytes(n int64) RouterOption {
	return func(r *Router) {
		r.maxFileBytes = n
	}
}

// WithMetrics records delivery metrics on m.
func WithMetrics(m *Metrics) RouterOption {
	return func(r *Router) {
		r.metrics = m
	}
}

// NewRouter constructs a Router over reg.
func NewRouter(log *slog.Logger, reg *Registry, opts ...RouterOption) *Router {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{log: log, reg: reg, maxFileBytes: defaultMaxFileBytes}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Broadcast writes h to every registered peer except the one named except ("" for none).
func (r *Router) Broadcast(h v1.Header, except string) Delivery {
	return r.fanout(h.Type(), except, func(e Entry) error {
		return e.Peer.Send(h)
	})
}

// BroadcastUserList sends the current USERS notice to every registered peer.
func (r *Router) BroadcastUserList() Delivery {
	return r.Broadcast(v1.UserListNotice(r.reg.Names()), "")
}

// SendUserList sends the current USERS notice to p only.
func (r *Router) SendUserList(p *Peer) error {
	return p.Send(v1.UserListNotice(r.reg.Names()))
}

// Deliver writes h to the single peer registered as target.
//
// When target is offline the sender receives an ERROR notice and the returned
// error wraps ErrTargetNotFound. A failed write to the target drops the target
// and is not reported to the sender. A failed notice write to the sender is
// returned as a StreamError.
func (r *Router) Deliver(from *Peer, target string, h v1.Header) error {
	to, ok := r.reg.Lookup(target)
	if !ok {
		return r.notFound(from, target)
	}

	if err := to.Send(h); err != nil {
		r.drop(Entry{Name: to.Name(), Peer: to}, h.Type(), err)
	}
	return nil
}

func (r *Router) notFound(from *Peer, target string) error {
	nf := TargetNotFoundError{Target: target}
	if err := from.Send(v1.ErrorNotice(fmt.Sprintf("User '%s' is not online.", target))); err != nil {
		return errors.Join(nf, err)
	}
	return nf
}

func (r *Router) fanout(typ, except string, write func(Entry) error) Delivery {
	exceptKey := Key(except)

	var d Delivery
	for _, e := range r.reg.Snapshot() {
		if exceptKey != "" && Key(e.Name) == exceptKey {
			continue
		}
		d.Attempted++
		if err := write(e); err != nil {
			d.Failed++
			r.drop(e, typ, err)
			continue
		}
		d.Delivered++
	}

	r.metrics.broadcastFanout(d.Attempted)
	if d.Failed > 0 {
		r.log.Warn("router.broadcast.partial",
			"type", typ,
			"attempted", d.Attempted,
			"delivered", d.Delivered,
			"failed", d.Failed,
		)
	}
	return d
}

// drop treats a failed write as a detected disconnect of the recipient.
// Closing the peer unblocks its session, which then runs its own teardown.
func (r *Router) drop(e Entry, typ string, err error) {
	r.metrics.deliveryFailed(typ)
	removed := r.reg.UnregisterPeer(e.Peer)
	if removed {
		r.metrics.setOnline(r.reg.Len())
	}
	level := slog.LevelWarn
	if errors.Is(err, ErrPeerClosed) {
		level = slog.LevelDebug
	}
	r.log.Log(context.Background(), level, "router.delivery.failed",
		"type", typ,
		"recipient", e.Name,
		"session_id", e.Peer.SessionID,
		"removed", removed,
		"err", err,
	)
	_ = e.Peer.Close()
}
