package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"relay/cmd/internal/frame"
	v1 "relay/shared/contracts/relay/v1"
)

// State is the session lifecycle state.
type State uint8

const (
	StateUnregistered State = iota
	StateRegistered
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionConfig holds per-session limits.
type SessionConfig struct {
	MaxHeaderBytes  int
	ReadIdleTimeout time.Duration
	RateEvents      int
	RateWindow      time.Duration
}

// Session drives one connection: it reads headers, enforces the state machine
// and dispatches to the Router.
//
// Lifecycle:
//   - Exactly one goroutine runs a session; state is owned by that goroutine.
//   - Teardown runs once on every exit path, including a recovered panic.
type Session struct {
	log     *slog.Logger
	conn    net.Conn
	r       *bufio.Reader
	peer    *Peer
	reg     *Registry
	router  *Router
	audit   AuditStore
	metrics *Metrics
	limiter *RateLimiter
	running func() bool

	maxHeaderBytes  int
	readIdleTimeout time.Duration

	state     State
	name      string
	startedAt time.Time
	closeOnce sync.Once
}

func newSession(log *slog.Logger, conn net.Conn, peer *Peer, srv *Server) *Session {
	cfg := srv.cfg.Session
	maxHeader := cfg.MaxHeaderBytes
	if maxHeader <= 0 {
		maxHeader = defaultMaxHeaderBytes
	}
	return &Session{
		log:             log,
		conn:            conn,
		r:               bufio.NewReaderSize(conn, frame.ChunkSize),
		peer:            peer,
		reg:             srv.reg,
		router:          srv.router,
		audit:           srv.audit,
		metrics:         srv.metrics,
		limiter:         NewRateLimiter(cfg.RateEvents, cfg.RateWindow),
		running:         srv.Running,
		maxHeaderBytes:  maxHeader,
		readIdleTimeout: cfg.ReadIdleTimeout,
		state:           StateUnregistered,
		startedAt:       time.Now(),
	}
}

// Run reads and dispatches headers until the stream ends, a fatal error occurs,
// or the server stops.
func (s *Session) Run(ctx context.Context) {
	reason := "end of stream"
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("session.panic", "panic", rec, "stack", string(debug.Stack()))
			reason = "panic"
		}
		s.close(reason)
	}()

	s.log.Info("session.open")

	for {
		if ctx.Err() != nil || !s.running() {
			reason = "server stopping"
			return
		}

		if s.readIdleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.readIdleTimeout))
		}

		raw, err := frame.ReadHeaderLimit(s.r, s.maxHeaderBytes)
		if err != nil {
			reason = s.logReadErr(err)
			return
		}

		if err := s.handle(raw); err != nil {
			if IsFatal(err) {
				reason = s.logFatal(err)
				return
			}
			s.log.Debug("session.dispatch.rejected", "err", err)
		}
	}
}

func (s *Session) handle(raw string) error {
	h, err := v1.Parse(raw)
	if err != nil {
		s.metrics.headerReceived("invalid")
		if errors.Is(err, v1.ErrUnknownType) && s.state == StateRegistered {
			s.log.Debug("session.header.ignored", "err", err)
			return nil
		}
		return ProtocolError{State: s.state, Reason: err.Error()}
	}
	s.metrics.headerReceived(h.Type())

	if s.state == StateUnregistered {
		switch h := h.(type) {
		case v1.Connect:
			return s.onConnect(h)
		case v1.Disconnect:
			return errDisconnect
		default:
			return ProtocolError{State: s.state, Type: h.Type(), Reason: "first header must be CONNECT"}
		}
	}

	switch h := h.(type) {
	case v1.Connect:
		return ProtocolError{State: s.state, Type: h.Type(), Reason: "already registered"}

	case v1.Chat:
		if err := s.allow(); err != nil {
			return err
		}
		s.router.Broadcast(v1.Chat{Sender: s.name, Body: h.Body}, s.name)
		return nil

	case v1.Private:
		if err := s.allow(); err != nil {
			return err
		}
		return s.router.Deliver(s.peer, h.Target, v1.Private{Sender: s.name, Target: h.Target, Body: h.Body})

	case v1.ListRequest:
		return s.router.SendUserList(s.peer)

	case v1.FileOffer:
		return s.onFile(h)

	case v1.Disconnect:
		return errDisconnect

	default:
		return ProtocolError{State: s.state, Type: h.Type(), Reason: "unexpected header"}
	}
}

func (s *Session) onConnect(c v1.Connect) error {
	if err := v1.ValidateName(c.Name); err != nil {
		s.metrics.rejectedWith("invalid_name")
		s.recordAudit(AuditReject, c.Name, map[string]string{"reason": "invalid_name"})
		if werr := s.peer.Send(v1.ErrorNotice(fmt.Sprintf("Username '%s' is not allowed.", c.Name))); werr != nil {
			return werr
		}
		return err
	}

	if !s.reg.Register(c.Name, s.peer) {
		s.metrics.rejectedWith("name_conflict")
		s.recordAudit(AuditReject, c.Name, map[string]string{"reason": "name_conflict"})
		conflict := NameConflictError{Name: c.Name}
		if err := s.peer.Send(v1.ErrorNotice(fmt.Sprintf("Username '%s' is already taken.", c.Name))); err != nil {
			return errors.Join(conflict, err)
		}
		return conflict
	}

	s.state = StateRegistered
	s.name = c.Name
	s.log = s.log.With("name", c.Name)
	s.metrics.setOnline(s.reg.Len())
	s.recordAudit(AuditJoin, c.Name, nil)
	s.log.Info("session.registered")

	s.router.Broadcast(v1.Notice(c.Name+" joined."), "")
	s.router.BroadcastUserList()
	return nil
}

func (s *Session) onFile(offer v1.FileOffer) error {
	if err := s.allow(); err != nil {
		// The payload is on the wire regardless; keep the stream framed.
		if derr := drain(s.r, offer.Size); derr != nil {
			return derr
		}
		return err
	}

	res, err := s.router.RelayFile(s.peer, offer, s.r)
	if err != nil {
		return err
	}

	s.recordAudit(AuditFile, s.name, map[string]string{
		"transfer_id": res.TransferID,
		"target":      res.Offer.Target,
		"filename":    res.Offer.Filename,
		"size":        strconv.FormatInt(res.Offer.Size, 10),
		"delivered":   strconv.Itoa(res.Delivery.Delivered),
	})
	return nil
}

// allow applies the per-session rate limit, answering the sender when exceeded.
func (s *Session) allow() error {
	if s.limiter.Allow(time.Now()) {
		return nil
	}
	s.metrics.rejectedWith("rate_limited")
	if err := s.peer.Send(v1.ErrorNotice("Too many messages, slow down.")); err != nil {
		return errors.Join(ErrRateLimited, err)
	}
	return ErrRateLimited
}

// close is the single teardown path.
func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		wasRegistered := s.state == StateRegistered
		s.state = StateClosed

		if wasRegistered {
			removed := s.reg.UnregisterPeer(s.peer)
			s.metrics.setOnline(s.reg.Len())
			// A dropped session's name may already belong to a newer session.
			if cur, ok := s.reg.Lookup(s.name); !ok || cur == s.peer {
				s.router.Broadcast(v1.Notice(s.name+" left."), s.name)
			}
			s.router.BroadcastUserList()
			s.recordAudit(AuditLeave, s.name, map[string]string{
				"reason":  reason,
				"removed": strconv.FormatBool(removed),
			})
		}

		_ = s.peer.Close()
		s.log.Info("session.closed",
			"reason", reason,
			"registered", wasRegistered,
			"duration_ms", time.Since(s.startedAt).Milliseconds(),
		)
	})
}

func (s *Session) recordAudit(action, name string, attrs map[string]string) {
	if s.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()

	err := s.audit.Record(ctx, AuditEvent{
		SessionID: s.peer.SessionID,
		Action:    action,
		Name:      name,
		Remote:    s.peer.Remote,
		Transport: s.peer.Transport,
		Attrs:     attrs,
		At:        time.Now().UTC(),
	})
	if err != nil {
		s.log.Warn("session.audit.fail", "action", action, "err", err)
	}
}

func (s *Session) logFatal(err error) string {
	switch {
	case errors.Is(err, errDisconnect):
		return "exit"
	case errors.Is(err, ErrProtocolViolation):
		s.log.Warn("session.protocol_violation", "err", err)
		return "protocol violation"
	case errors.Is(err, ErrIncompletePayload):
		s.log.Warn("session.payload.incomplete", "err", err)
		return "incomplete payload"
	default:
		s.log.Info("session.write.fail", "err", err)
		return "stream fault"
	}
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrEndOfStream
	readErrConnClosed
	readErrTimeout
	readErrFraming
)

func classifyReadErr(err error) readErrKind {
	switch {
	case errors.Is(err, frame.ErrEndOfStream):
		return readErrEndOfStream
	case errors.Is(err, frame.ErrFraming):
		return readErrFraming
	case errors.Is(err, os.ErrDeadlineExceeded):
		return readErrTimeout
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}

func (s *Session) logReadErr(err error) string {
	switch classifyReadErr(err) {
	case readErrEndOfStream:
		return "end of stream"
	case readErrConnClosed:
		return "conn closed"
	case readErrTimeout:
		s.log.Info("session.read.idle_timeout", "timeout", s.readIdleTimeout)
		return "idle timeout"
	case readErrFraming:
		s.log.Warn("session.read.framing", "err", err)
		return "framing error"
	default:
		s.log.Info("session.read.fail", "err", err)
		return "read failed"
	}
}
