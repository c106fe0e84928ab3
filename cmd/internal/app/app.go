// Package app wires the relay server runtime: config, logging, the TCP relay,
// the admin HTTP surface (health, metrics, users, audit, WebSocket), and storage.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"relay/cmd/internal/relay"
)

// App is the relay runtime: it owns the TCP server, admin HTTP wiring and the
// audit store lifecycle.
type App struct {
	cfg Config
	log Logger

	srv   *relay.Server
	audit relay.AuditStore

	dbPool    *pgxpool.Pool
	dbEnabled bool

	metrics *prometheus.Registry
	ws      *relay.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	tlsCfg, err := LoadTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	audit, dbPool, err := newAuditStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	scfg := cfg.ServerConfig()
	scfg.TLS = tlsCfg
	srv := relay.NewServer(log, scfg, relay.NewRegistry(log), audit, relay.NewMetrics(promReg))

	var ws *relay.WSGateway
	if cfg.WSEnabled {
		ws = relay.NewWSGateway(log, srv, cfg.WSConfig())
	}

	return &App{
		cfg:       cfg,
		log:       log,
		srv:       srv,
		audit:     audit,
		dbPool:    dbPool,
		dbEnabled: dbPool != nil,
		metrics:   promReg,
		ws:        ws,
	}, nil
}

// Server exposes the relay server (tests, embedding).
func (a *App) Server() *relay.Server { return a.srv }

func (a *App) adminHandler() http.Handler {
	r := mux.NewRouter()
	registerHTTP(r, adminDeps{
		log:       a.log,
		cfg:       a.cfg,
		srv:       a.srv,
		gatherer:  a.metrics,
		dbPool:    a.dbPool,
		dbEnabled: a.dbEnabled,
		ws:        a.ws,
	})
	return WithSecurityHeaders(WithRequestLogging(r, a.log))
}

// Run serves the relay listener and the admin HTTP server until ctx is done or
// either fails, then shuts both down and releases storage.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	a.log.Info("server.start",
		"tcp_addr", a.cfg.TCPAddr,
		"http_addr", a.cfg.HTTPAddr,
		"tls", a.cfg.TLSCertFile != "",
		"ws_enabled", a.ws != nil,
		"db_enabled", a.dbEnabled,
	)

	g.Go(func() error {
		return a.srv.ListenAndServe(gctx)
	})

	if a.cfg.HTTPAddr != "" {
		hs := &http.Server{
			Addr:              a.cfg.HTTPAddr,
			Handler:           a.adminHandler(),
			ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
			IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
			MaxHeaderBytes:    1 << 20,
		}

		g.Go(func() error {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
			defer cancel()
			if err := hs.Shutdown(shutdownCtx); err != nil {
				a.log.Error("http.shutdown.fail", "err", err)
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		a.log.Error("server.fail", "err", err)
	}

	if cerr := a.close(); cerr != nil {
		a.log.Error("store.close.fail", "err", cerr)
	}

	a.log.Info("server.stopped")
	return err
}

func (a *App) close() error {
	err := a.audit.Close()
	if a.dbPool != nil {
		a.dbPool.Close()
	}
	return err
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// newAuditStore picks Postgres when RELAY_DATABASE_URL is set, otherwise the
// in-memory ring. The app owns the pool; PostgresAuditStore.Close is a no-op.
func newAuditStore(ctx context.Context, cfg Config, log Logger) (relay.AuditStore, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_audit")
		return relay.NewInMemoryAuditStore(), nil, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	store, err := relay.NewPostgresAuditStore(pool, relay.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := store.EnsureSchema(ensureCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("audit schema: %w", err)
	}

	log.Info("db.enabled.postgres_audit", "schema", cfg.DBSchema)
	return store, pool, nil
}
