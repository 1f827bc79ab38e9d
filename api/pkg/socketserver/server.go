// Package socketserver implements the framed TCP front-end: a single
// request line per connection, answered with exactly the bytes the
// HTTP /get_image endpoint would produce, or a closed connection on
// any failure.
package socketserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/webink/snapshot-server/api/pkg/config"
	"github.com/webink/snapshot-server/api/pkg/registry"
	"github.com/webink/snapshot-server/api/pkg/snapshot"
	"github.com/webink/snapshot-server/api/pkg/types"
)

// protocolVersion is the mandatory first token of a request line.
const protocolVersion = "webInkV1"

const (
	headerReadTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server is the socket snapshot server.
type Server struct {
	registry *registry.Registry
	cache    *snapshot.Cache
	cfg      config.SocketConfig

	listener net.Listener
}

// New builds a Server sharing the Registry and Cache with the HTTP
// front-end.
func New(reg *registry.Registry, cache *snapshot.Cache, cfg config.SocketConfig) *Server {
	return &Server{registry: reg, cache: cache, cfg: cfg}
}

// ListenAndServe accepts connections until ctx is cancelled. Each
// connection is handled by its own goroutine; once
// cfg.MaxConnections are in flight, Accept stalls rather than
// dropping new connections.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("socketserver: listen %s: %w", addr, err)
	}
	s.listener = listener

	log.Info().Str("addr", addr).Int("max_connections", s.maxConnections()).Msg("socket snapshot server listening")
	return s.serveOn(ctx, listener)
}

func (s *Server) maxConnections() int {
	if s.cfg.MaxConnections <= 0 {
		return 64
	}
	return s.cfg.MaxConnections
}

// serveOn runs the accept loop against an already-bound listener, so
// tests can bind an ephemeral port and hand it in directly.
func (s *Server) serveOn(ctx context.Context, listener net.Listener) error {
	sem := make(chan struct{}, s.maxConnections())

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Temporary() { //nolint:staticcheck
				continue
			}
			return fmt.Errorf("socketserver: accept: %w", err)
		}

		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(headerReadTimeout))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	req, ok := parseRequestLine(line)
	if !ok {
		return
	}

	d, err := s.registry.Lookup(req.deviceID)
	if err != nil {
		return
	}
	if !s.registry.Authenticate(req.deviceID, req.apiKey) {
		return
	}

	mode, err := types.ParseDisplayMode(req.mode)
	if err != nil {
		return
	}
	if req.format != "" && string(types.FormatForMode(mode.Mode)) != req.format {
		return
	}

	res, err := s.cache.GetTile(ctx, d, mode, req.rect)
	if err != nil {
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, _ = conn.Write(res.Bytes)
}

type request struct {
	apiKey   string
	deviceID string
	mode     string
	rect     types.Rect
	format   string
}

// parseRequestLine parses "webInkV1 <api_key> <device> <mode> <x> <y> <w> <h> <format>\n".
func parseRequestLine(line string) (request, bool) {
	fields := strings.Fields(line)
	if len(fields) != 9 || fields[0] != protocolVersion {
		return request{}, false
	}

	ints := make([]int, 4)
	for i, f := range fields[4:8] {
		n, err := strconv.Atoi(f)
		if err != nil {
			return request{}, false
		}
		ints[i] = n
	}

	return request{
		apiKey:   fields[1],
		deviceID: fields[2],
		mode:     fields[3],
		rect:     types.Rect{X: ints[0], Y: ints[1], W: ints[2], H: ints[3]},
		format:   fields[8],
	}, true
}

// Shutdown closes the listener, interrupting Accept.
func (s *Server) Shutdown(_ context.Context) error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}
