package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/tevino/abool"
	"golang.org/x/time/rate"

	"relay/cmd/internal/ids"
	v1 "relay/shared/contracts/relay/v1"
)

// Transport labels.
const (
	TransportTCP = "tcp"
	TransportWS  = "ws"
)

const acceptBackoffMax = time.Second

// ServerConfig configures a Server.
type ServerConfig struct {
	Addr string

	// TLS wraps the listener when non-nil.
	TLS *tls.Config

	// MaxConns caps concurrent connections (0 = unlimited).
	MaxConns int

	// AcceptRate throttles new connections per second (0 = unlimited).
	AcceptRate  float64
	AcceptBurst int

	WriteTimeout time.Duration
	MaxFileBytes int64

	Session SessionConfig
}

// Server accepts connections and runs one Session per connection.
type Server struct {
	log     *slog.Logger
	cfg     ServerConfig
	reg     *Registry
	router  *Router
	audit   AuditStore
	metrics *Metrics

	running  *abool.AtomicBool
	admit    *rate.Limiter
	stopOnce sync.Once

	mu    sync.Mutex
	ln    net.Listener
	peers map[*Peer]struct{}

	wg sync.WaitGroup
}

// NewServer constructs a Server. When reg/audit are nil, it falls back to a
// fresh Registry and an in-memory AuditStore.
func NewServer(log *slog.Logger, cfg ServerConfig, reg *Registry, audit AuditStore, metrics *Metrics) *Server {
	if log == nil {
		log = slog.Default()
	}
	if reg == nil {
		reg = NewRegistry(log)
	}
	if audit == nil {
		audit = NewInMemoryAuditStore()
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	s := &Server{
		log:     log,
		cfg:     cfg,
		reg:     reg,
		router:  NewRouter(log, reg, WithMaxFileBytes(cfg.MaxFileBytes), WithMetrics(metrics)),
		audit:   audit,
		metrics: metrics,
		running: abool.NewBool(true),
		peers:   make(map[*Peer]struct{}),
	}
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst <= 0 {
			burst = max(1, int(cfg.AcceptRate))
		}
		s.admit = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}
	return s
}

// Registry returns the server's registry.
func (s *Server) Registry() *Registry { return s.reg }

// Router returns the server's router.
func (s *Server) Router() *Router { return s.router }

// Audit returns the server's audit store.
func (s *Server) Audit() AuditStore { return s.audit }

// Running reports whether the server still accepts and serves sessions.
func (s *Server) Running() bool { return s.running.IsSet() }

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe listens on cfg.Addr (TLS when configured) and serves until ctx
// is done or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	if s.cfg.TLS != nil {
		ln = tls.NewListener(ln, s.cfg.TLS)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln. It returns after the listener is closed and
// every session it started has finished.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	if !s.Running() {
		_ = ln.Close()
		return nil
	}

	s.log.Info("relay.listen", "addr", ln.Addr().String(), "tls", s.cfg.TLS != nil)

	stop := context.AfterFunc(ctx, s.Shutdown)
	defer stop()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.Running() || errors.Is(err, net.ErrClosed) {
				break
			}
			// Transient accept failure (e.g. EMFILE): back off and retry.
			backoff = min(max(2*backoff, 5*time.Millisecond), acceptBackoffMax)
			s.log.Warn("relay.accept.fail", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if s.admit != nil && !s.admit.Allow() {
			s.metrics.rejectedWith("accept_rate")
			s.log.Info("relay.reject.accept_rate", "remote", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, conn, TransportTCP)
		}()
	}

	s.wg.Wait()
	s.log.Info("relay.stopped")
	return nil
}

// ServeConn runs one session on conn and blocks until it ends.
// conn is always closed on return.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn, transport string) {
	sessionID, err := ids.NewSessionID(time.Now())
	if err != nil {
		s.log.Error("relay.session_id.fail", "err", err)
		_ = conn.Close()
		return
	}

	peer := NewPeer(sessionID, transport, conn, s.cfg.WriteTimeout)
	log := s.log.With("session_id", sessionID, "remote", peer.Remote, "transport", transport)

	if reason, ok := s.track(peer); !ok {
		s.metrics.rejectedWith(reason)
		log.Info("relay.reject", "reason", reason)
		if reason == "max_conns" {
			_ = peer.Send(v1.ErrorNotice("Server is full."))
		}
		_ = peer.Close()
		return
	}
	defer s.untrack(peer)

	s.metrics.connectionAccepted(transport)
	newSession(log, conn, peer, s).Run(ctx)
}

func (s *Server) track(p *Peer) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Running() {
		return "shutting_down", false
	}
	if s.cfg.MaxConns > 0 && len(s.peers) >= s.cfg.MaxConns {
		return "max_conns", false
	}
	s.peers[p] = struct{}{}
	return "", true
}

func (s *Server) untrack(p *Peer) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
}

// Shutdown stops accepting, notifies registered users, and force-closes every
// connection. It is idempotent and does not wait; Serve returns once sessions drain.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		s.running.UnSet()

		s.mu.Lock()
		ln := s.ln
		peers := make([]*Peer, 0, len(s.peers))
		for p := range s.peers {
			peers = append(peers, p)
		}
		s.mu.Unlock()

		if ln != nil {
			_ = ln.Close()
		}

		d := s.router.Broadcast(v1.Notice("Server is shutting down."), "")
		closed := s.reg.CloseAll()

		// Unregistered connections are not in the registry.
		for _, p := range peers {
			_ = p.Close()
		}

		s.log.Info("relay.shutdown", "notified", d.Delivered, "registered_closed", closed, "conns", len(peers))
	})
}
