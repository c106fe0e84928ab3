package relay

import (
	"net"
	"sync"
	"time"

	"relay/cmd/internal/frame"
	v1 "relay/shared/contracts/relay/v1"
)

// Peer is the write side of one connected session.
//
// Design notes:
//   - All writes go through the peer mutex, so headers from concurrent senders never interleave.
//   - A FILE header and its payload are written under one lock hold.
//   - Close is idempotent and unblocks the session's reader.
type Peer struct {
	SessionID string
	Remote    string
	Transport string

	conn         net.Conn
	writeTimeout time.Duration

	wmu    sync.Mutex
	closed bool

	nameMu sync.RWMutex
	name   string

	done      chan struct{}
	closeOnce sync.Once
}

// NewPeer wraps conn. A writeTimeout <= 0 disables per-write deadlines.
func NewPeer(sessionID, transport string, conn net.Conn, writeTimeout time.Duration) *Peer {
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &Peer{
		SessionID:    sessionID,
		Remote:       remote,
		Transport:    transport,
		conn:         conn,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

// Name returns the registered display name, or "" before registration.
func (p *Peer) Name() string {
	p.nameMu.RLock()
	defer p.nameMu.RUnlock()
	return p.name
}

// bindName is called by the registry on successful registration only.
func (p *Peer) bindName(name string) {
	p.nameMu.Lock()
	p.name = name
	p.nameMu.Unlock()
}

// Send writes one header.
func (p *Peer) Send(h v1.Header) error {
	return p.WriteHeader(h.String())
}

// WriteHeader writes one framed header.
func (p *Peer) WriteHeader(header string) error {
	return p.write(frame.Encode(header))
}

// WriteFile writes a FILE header followed by its payload as one unit.
func (p *Peer) WriteFile(header string, payload []byte) error {
	return p.write(frame.Encode(header), payload)
}

func (p *Peer) write(parts ...[]byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()

	if p.closed {
		return ErrPeerClosed
	}

	if p.writeTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
		defer func() { _ = p.conn.SetWriteDeadline(time.Time{}) }()
	}

	bufs := net.Buffers(parts)
	if _, err := bufs.WriteTo(p.conn); err != nil {
		return StreamError{Op: "write", Err: err}
	}
	return nil
}

// Done returns a channel that is closed when the peer is shutting down.
func (p *Peer) Done() <-chan struct{} {
	if p == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.done
}

// Close releases the underlying stream (idempotent).
func (p *Peer) Close() error {
	if p == nil {
		return nil
	}
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		// Close before taking wmu so a writer blocked on a stalled stream is released.
		err = p.conn.Close()
		p.wmu.Lock()
		p.closed = true
		p.wmu.Unlock()
	})
	return err
}
