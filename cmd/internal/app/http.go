package app

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relay/cmd/internal/relay"
)

type adminDeps struct {
	log       Logger
	cfg       Config
	srv       *relay.Server
	gatherer  prometheus.Gatherer
	dbPool    *pgxpool.Pool
	dbEnabled bool
	ws        *relay.WSGateway
}

func registerHTTP(r *mux.Router, d adminDeps) {
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet, http.MethodHead)

	r.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !d.srv.Running() {
			http.Error(w, "relay not running", http.StatusServiceUnavailable)
			return
		}
		if d.cfg.ReadinessRequireDB && !d.dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if d.dbEnabled && d.dbPool != nil {
			if err := PingDB(r.Context(), d.dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				d.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	}).Methods(http.MethodGet, http.MethodHead)

	if d.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	r.HandleFunc("/users", func(w http.ResponseWriter, _ *http.Request) {
		names := d.srv.Registry().Names()
		if names == nil {
			names = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": len(names), "users": names})
	}).Methods(http.MethodGet)

	r.HandleFunc("/users/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		p, ok := d.srv.Registry().Lookup(name)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "user not online"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":       p.Name(),
			"session_id": p.SessionID,
			"transport":  p.Transport,
			"remote":     p.Remote,
		})
	}).Methods(http.MethodGet)

	r.HandleFunc("/audit", func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
				return
			}
			limit = n
		}

		events, err := d.srv.Audit().Recent(r.Context(), limit)
		if err != nil {
			d.log.Warn("audit.recent.fail", "err", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "audit unavailable"})
			return
		}

		out := make([]auditEventJSON, 0, len(events))
		for _, ev := range events {
			out = append(out, auditEventJSON{
				SessionID: ev.SessionID,
				Action:    ev.Action,
				Name:      ev.Name,
				Remote:    ev.Remote,
				Transport: ev.Transport,
				Attrs:     ev.Attrs,
				At:        ev.At.UTC(),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": out})
	}).Methods(http.MethodGet)

	if d.ws != nil {
		r.Handle("/ws", d.ws)
	}
}

type auditEventJSON struct {
	SessionID string            `json:"session_id"`
	Action    string            `json:"action"`
	Name      string            `json:"name,omitempty"`
	Remote    string            `json:"remote,omitempty"`
	Transport string            `json:"transport,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	At        time.Time         `json:"at"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
