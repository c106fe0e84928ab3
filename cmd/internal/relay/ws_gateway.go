package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/coder/websocket"

	"relay/cmd/internal/frame"
	v1 "relay/shared/contracts/relay/v1"
)

const (
	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	WSDefaultOriginRequired = true
	WSDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSConfig configures the WebSocket entrypoint.
type WSConfig struct {
	OriginRequired bool
	AllowedOrigins []string

	// InsecureSkipVerify disables websocket.Accept's own origin check (dev only).
	InsecureSkipVerify bool
}

// WSGateway carries the relay wire protocol over WebSocket binary messages.
//
// The upgraded connection is adapted to a net.Conn, so framing, sessions and
// routing are identical to the TCP transport.
type WSGateway struct {
	log *slog.Logger
	srv *Server

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	readLimit int64
}

// NewWSGateway constructs a gateway that hands sessions to srv.
func NewWSGateway(log *slog.Logger, srv *Server, cfg WSConfig) *WSGateway {
	if log == nil {
		log = slog.Default()
	}

	g := &WSGateway{
		log:            log,
		srv:            srv,
		devInsecure:    cfg.InsecureSkipVerify,
		originRequired: cfg.OriginRequired,
		allowedOrigins: cfg.AllowedOrigins,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}

	// One websocket message may carry a header plus a whole FILE payload.
	g.readLimit = -1
	if maxFile := srv.cfg.MaxFileBytes; maxFile > 0 {
		maxHeader := int64(srv.cfg.Session.MaxHeaderBytes)
		if maxHeader <= 0 {
			maxHeader = defaultMaxHeaderBytes
		}
		g.readLimit = frame.PrefixSize + maxHeader + maxFile
	}
	return g
}

// ServeHTTP upgrades the request and runs a relay session until it ends.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.srv.Running() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.WSSubprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}

	if sp := conn.Subprotocol(); sp != v1.WSSubprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.WSSubprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(g.readLimit)

	// NetConn owns conn from here; closing it sends a normal closure.
	nc := websocket.NetConn(r.Context(), conn, websocket.MessageBinary)
	g.srv.ServeConn(r.Context(), nc, TransportWS)
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins keeps Accept's host patterns in line with the allowlist.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
