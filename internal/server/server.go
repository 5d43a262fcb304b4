// Package server exposes the trigger surface: the publish cycle, the
// dispatch planner and a status view. Account and content CRUD live in
// an external admin service that shares the store.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qiuyin/flockpost/internal/config"
	"github.com/qiuyin/flockpost/internal/dispatch"
	"github.com/qiuyin/flockpost/internal/events"
	"github.com/qiuyin/flockpost/internal/publisher"
	"github.com/qiuyin/flockpost/internal/store"
	"github.com/qiuyin/flockpost/internal/transport"
)

// Server is the main HTTP server.
type Server struct {
	cfg          *config.Config
	store        *store.Store
	publisher    *publisher.Publisher
	planner      *dispatch.Planner
	transportMgr *transport.Manager
	bus          *events.Bus
	logHandler   *events.LogHandler
	httpServer   *http.Server
	version      string
	startTime    time.Time

	lastCycle *cycleRecord
}

func New(cfg *config.Config, s *store.Store, pub *publisher.Publisher, planner *dispatch.Planner, tm *transport.Manager, bus *events.Bus, lh *events.LogHandler, version string) *Server {
	srv := &Server{
		cfg:          cfg,
		store:        s,
		publisher:    pub,
		planner:      planner,
		transportMgr: tm,
		bus:          bus,
		logHandler:   lh,
		version:      version,
		startTime:    time.Now(),
		lastCycle:    newCycleRecord(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   5 * time.Minute, // a full cycle can take a while
		MaxHeaderBytes: 1 << 20,
	}

	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	auth := s.authenticate

	mux.Handle("POST /cron/publish", auth(http.HandlerFunc(s.handlePublish)))
	mux.Handle("POST /cron/dispatch", auth(http.HandlerFunc(s.handleDispatch)))
	mux.Handle("GET /cron/status", auth(http.HandlerFunc(s.handleStatus)))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "store": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.transportMgr.RunCleanup(ctx)
	go s.runActivityPurge(ctx)
	if s.cfg.CycleInterval > 0 {
		go s.runCycleTicker(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// requestLogger logs all incoming HTTP requests for debugging.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// runCycleTicker drives RunCycle on a fixed interval alongside the HTTP
// trigger. Both paths share the same publisher.
func (s *Server) runCycleTicker(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CycleInterval)
	defer ticker.Stop()
	slog.Info("cycle ticker enabled", "interval", s.cfg.CycleInterval, "limit", s.cfg.CycleLimit)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := s.publisher.RunCycle(ctx, s.cfg.CycleLimit)
			if err != nil {
				slog.Error("ticker cycle failed", "error", err)
				continue
			}
			s.lastCycle.record(summary)
		}
	}
}

// runActivityPurge deletes activity entries older than 30 days every 6 hours.
func (s *Server) runActivityPurge(ctx context.Context) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := time.Now().Add(-30 * 24 * time.Hour)
			n, err := s.store.PurgeActivity(ctx, before)
			if err != nil {
				slog.Error("purge activity failed", "error", err)
			} else if n > 0 {
				slog.Info("purged old activity entries", "count", n)
			}
		}
	}
}
