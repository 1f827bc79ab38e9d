package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/webink/snapshot-server/api/pkg/config"
	"github.com/webink/snapshot-server/api/pkg/registry"
	"github.com/webink/snapshot-server/api/pkg/snapshot"
	"github.com/webink/snapshot-server/api/pkg/types"
)

type fakeCapturer struct{ calls int }

func (f *fakeCapturer) Capture(ctx context.Context, d types.Device) ([]byte, error) {
	f.calls++
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

func newTestServer(t *testing.T) (*Server, *fakeCapturer) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(deviceYAML), 0o600))

	reg, err := registry.Load(path)
	require.NoError(t, err)

	capturer := &fakeCapturer{}
	cache := snapshot.New(capturer, 0)

	return New(reg, cache, config.HTTPConfig{LogBufferLines: 10}), capturer
}

func Test_GetHash_UnauthorizedWithBadKey(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/get_hash?api_key=wrong&device=dev1&mode=8x8x1xB", nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func Test_GetHash_UnknownDevice(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/get_hash?api_key=K&device=nope&mode=8x8x1xB", nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func Test_GetHash_SecondCallSameHashOneCapture(t *testing.T) {
	s, capturer := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/get_hash?api_key=K&device=dev1&mode=8x8x1xB", nil)
	rec1 := httptest.NewRecorder()
	s.router().ServeHTTP(rec1, req)
	require.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	s.router().ServeHTTP(rec2, req)
	require.Equal(t, http.StatusOK, rec2.Code)

	require.JSONEq(t, rec1.Body.String(), rec2.Body.String())
	require.Equal(t, 1, capturer.calls)
}

func Test_GetImage_FullFrame_PBMFraming(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/get_image?api_key=K&device=dev1&mode=8x8x1xB&x=0&y=0&w=8&h=8&format=pbm", nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/x-portable-bitmap", rec.Header().Get("Content-Type"))
	body := rec.Body.Bytes()
	header := "P4\n8 8\n"
	require.Equal(t, header, string(body[:len(header)]))
	require.Len(t, body, len(header)+8) // stride ceil(8/8)=1 byte * 8 rows
}

func Test_GetImage_ModeConflict(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/get_image?api_key=K&device=dev1&mode=8x8x8xG&x=0&y=0&w=8&h=8&format=pgm", nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func Test_GetSleep(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/get_sleep?api_key=K&device=dev1", nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"sleep":300}`, rec.Body.String())
}

func Test_PostLog_ThenConfigShowsDevice(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/post_log?api_key=K&device=dev1", strings.NewReader("hello"))
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	before := s.logs.lastN("dev1", 10)

	badReq := httptest.NewRequest(http.MethodPost, "/post_log?api_key=wrong&device=dev1", strings.NewReader("should not land"))
	badRec := httptest.NewRecorder()
	s.router().ServeHTTP(badRec, badReq)
	require.Equal(t, http.StatusUnauthorized, badRec.Code)

	after := s.logs.lastN("dev1", 10)
	require.Equal(t, before, after)

	cfgReq := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	cfgRec := httptest.NewRecorder()
	s.router().ServeHTTP(cfgRec, cfgReq)
	require.Equal(t, http.StatusOK, cfgRec.Code)
	require.Contains(t, cfgRec.Body.String(), "dev1")
	require.NotContains(t, cfgRec.Body.String(), "\"K\"")
}
