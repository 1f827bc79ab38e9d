// Package httpserver implements the HTTP front-end: /get_hash,
// /get_image, /get_sleep, /post_log and /api/config, all delegating
// to the shared Snapshot Cache.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/webink/snapshot-server/api/pkg/config"
	"github.com/webink/snapshot-server/api/pkg/registry"
	"github.com/webink/snapshot-server/api/pkg/snapshot"
)

// Server is the HTTP snapshot server.
type Server struct {
	registry *registry.Registry
	cache    *snapshot.Cache
	cfg      config.HTTPConfig
	logs     *logStore

	httpServer *http.Server
	listener   net.Listener
	ready      bool
}

// New builds a Server. Registry and Cache are constructed once by the
// caller and shared with the socket server; Server holds no
// package-level state of its own.
func New(reg *registry.Registry, cache *snapshot.Cache, cfg config.HTTPConfig) *Server {
	return &Server{
		registry: reg,
		cache:    cache,
		cfg:      cfg,
		logs:     newLogStore(cfg.LogBufferLines),
	}
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/get_hash", s.handleGetHash).Methods(http.MethodGet)
	r.HandleFunc("/get_image", s.handleGetImage).Methods(http.MethodGet)
	r.HandleFunc("/get_sleep", s.handleGetSleep).Methods(http.MethodGet)
	r.HandleFunc("/post_log", s.handlePostLog).Methods(http.MethodPost)
	r.HandleFunc("/api/config", s.handleGetConfig).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	return r
}

// ListenAndServe starts the HTTP server and blocks until ctx is
// cancelled or the server errors.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpserver: listen %s: %w", addr, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.ready = true

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP snapshot server listening")
		errCh <- s.httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
