package socketserver

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/webink/snapshot-server/api/pkg/config"
	"github.com/webink/snapshot-server/api/pkg/registry"
	"github.com/webink/snapshot-server/api/pkg/snapshot"
	"github.com/webink/snapshot-server/api/pkg/types"
)

type fakeCapturer struct{}

func (fakeCapturer) Capture(ctx context.Context, d types.Device) ([]byte, error) {
	buf := make([]byte, d.Viewport.W*d.Viewport.H*3)
	for i := range buf {
		buf[i] = 0xFF
	}
	return buf, nil
}

const deviceYAML = `
devices:
  - id: dev1
    api_key: K
    source_url: http://example.test
    viewport: {w: 8, h: 8}
    color_mode: B
    refresh_interval_s: 60
    sleep_duration_s: 300
`

func newTestServer(t *testing.T) (*Server, *snapshot.Cache, *registry.Registry) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(deviceYAML), 0o600))

	reg, err := registry.Load(path)
	require.NoError(t, err)

	cache := snapshot.New(fakeCapturer{}, 0)
	return New(reg, cache, config.SocketConfig{Host: "127.0.0.1", Port: 0, MaxConnections: 4}), cache, reg
}

func listenOnFreePort(t *testing.T, s *Server) (addr string, stop func()) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.listener = listener

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = s.serveOn(ctx, listener)
	}()

	return listener.Addr().String(), func() { cancel(); _ = listener.Close() }
}

func Test_ParseRequestLine_Valid(t *testing.T) {
	req, ok := parseRequestLine("webInkV1 K dev1 8x8x1xB 0 0 8 8 pbm\n")
	require.True(t, ok)
	require.Equal(t, "K", req.apiKey)
	require.Equal(t, "dev1", req.deviceID)
	require.Equal(t, types.Rect{X: 0, Y: 0, W: 8, H: 8}, req.rect)
	require.Equal(t, "pbm", req.format)
}

func Test_ParseRequestLine_WrongFieldCount(t *testing.T) {
	_, ok := parseRequestLine("webInkV1 K dev1 8x8x1xB 0 0 8 8\n")
	require.False(t, ok)
}

func Test_ParseRequestLine_WrongProtocolTag(t *testing.T) {
	_, ok := parseRequestLine("webInkV2 K dev1 8x8x1xB 0 0 8 8 pbm\n")
	require.False(t, ok)
}

func Test_HandleConn_UnauthorizedClosesWithNoBytes(t *testing.T) {
	s, _, _ := newTestServer(t)
	addr, stop := listenOnFreePort(t, s)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("webInkV1 wrong dev1 8x8x1xB 0 0 8 8 pbm\n"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.Equal(t, 0, n)
	require.Error(t, err) // connection closed, no bytes written
}

func Test_HandleConn_ModeConflictClosesWithNoBytes(t *testing.T) {
	s, _, _ := newTestServer(t)
	addr, stop := listenOnFreePort(t, s)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("webInkV1 K dev1 8x8x8xG 0 0 8 8 pgm\n"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.Equal(t, 0, n)
	require.Error(t, err)
}

func Test_HandleConn_MatchesCacheTileBytes(t *testing.T) {
	s, cache, _ := newTestServer(t)
	addr, stop := listenOnFreePort(t, s)
	defer stop()

	d, err := s.registry.Lookup("dev1")
	require.NoError(t, err)
	mode := d.DisplayMode()

	want, err := cache.GetTile(context.Background(), d, mode, types.Rect{X: 0, Y: 0, W: 8, H: 8})
	require.NoError(t, err)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("webInkV1 K dev1 8x8x1xB 0 0 8 8 pbm\n"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, len(want.Bytes)+1)
	total := 0
	for total < len(want.Bytes) {
		n, err := conn.Read(got[total:])
		total += n
		if err != nil {
			break
		}
	}

	require.Equal(t, want.Bytes, got[:total])
}
