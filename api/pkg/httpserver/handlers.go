package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/webink/snapshot-server/api/pkg/types"
)

const maxLogBodyBytes = 8 << 10 // 8 KiB per log post

// resolveDevice looks up the device named by the "device" query
// parameter and authenticates the "api_key" parameter against it.
// An unknown device id is distinguished from a bad key so handlers
// can map them to distinct status codes.
func (s *Server) resolveDevice(r *http.Request) (types.Device, error) {
	id := r.URL.Query().Get("device")
	apiKey := r.URL.Query().Get("api_key")

	d, err := s.registry.Lookup(id)
	if err != nil {
		return types.Device{}, err
	}
	if !s.registry.Authenticate(id, apiKey) {
		return types.Device{}, types.ErrUnauthorized
	}
	return d, nil
}

// writeError maps a component error to an HTTP status and writes a
// minimal plain-text body, per spec.md §7's error taxonomy.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrUnknownDevice):
		http.Error(w, "unknown device", http.StatusNotFound)
	case errors.Is(err, types.ErrUnauthorized):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, types.ErrInvalidMode), errors.Is(err, types.ErrInvalidRect):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, types.ErrModeConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, types.ErrNavigationTimeout),
		errors.Is(err, types.ErrRenderFailure),
		errors.Is(err, types.ErrPoolExhausted),
		errors.Is(err, types.ErrCircuitOpen):
		w.Header().Set("Retry-After", "5")
		http.Error(w, "snapshot unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) handleGetHash(w http.ResponseWriter, r *http.Request) {
	d, err := s.resolveDevice(r)
	if err != nil {
		writeError(w, err)
		return
	}

	modeStr := r.URL.Query().Get("mode")
	if _, err := types.ParseDisplayMode(modeStr); err != nil {
		writeError(w, err)
		return
	}

	hash, err := s.cache.GetHash(r.Context(), d)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, map[string]string{"hash": hash})
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	d, err := s.resolveDevice(r)
	if err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	mode, err := types.ParseDisplayMode(q.Get("mode"))
	if err != nil {
		writeError(w, err)
		return
	}

	rect, err := parseRect(q)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.cache.GetTile(r.Context(), d, mode, rect)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", types.ContentType(mode.Mode))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Bytes)
}

func parseRect(q url.Values) (types.Rect, error) {
	get := func(key string) (int, error) {
		n, err := strconv.Atoi(q.Get(key))
		if err != nil {
			return 0, errInvalidParam(key)
		}
		return n, nil
	}

	x, err := get("x")
	if err != nil {
		return types.Rect{}, err
	}
	y, err := get("y")
	if err != nil {
		return types.Rect{}, err
	}
	w, err := get("w")
	if err != nil {
		return types.Rect{}, err
	}
	h, err := get("h")
	if err != nil {
		return types.Rect{}, err
	}
	return types.Rect{X: x, Y: y, W: w, H: h}, nil
}

func errInvalidParam(name string) error {
	return &invalidParamError{name: name}
}

type invalidParamError struct{ name string }

func (e *invalidParamError) Error() string { return "invalid or missing parameter: " + e.name }

func (e *invalidParamError) Unwrap() error { return types.ErrInvalidRect }

func (s *Server) handleGetSleep(w http.ResponseWriter, r *http.Request) {
	d, err := s.resolveDevice(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]int{"sleep": d.SleepDurationS})
}

func (s *Server) handlePostLog(w http.ResponseWriter, r *http.Request) {
	d, err := s.resolveDevice(r)
	if err != nil {
		writeError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxLogBodyBytes))
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}

	s.logs.append(d.ID, string(body))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.registry.Redacted())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.ready {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
