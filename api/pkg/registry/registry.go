// Package registry holds the process-wide, read-mostly mapping from
// device id to its configuration, loaded once at startup from a YAML
// file.
package registry

import (
	"crypto/subtle"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/webink/snapshot-server/api/pkg/types"
)

// authFailureLogRate bounds how often a single device id's repeated
// bad-key attempts get logged.
const authFailureLogRate = rate.Limit(1.0 / 10.0) // one line per 10s per device

type deviceFile struct {
	Devices []deviceEntry `yaml:"devices"`
}

type viewportEntry struct {
	W int `yaml:"w"`
	H int `yaml:"h"`
}

type deviceEntry struct {
	ID               string        `yaml:"id"`
	APIKey           string        `yaml:"api_key"`
	SourceURL        string        `yaml:"source_url"`
	Viewport         viewportEntry `yaml:"viewport"`
	ColorMode        string        `yaml:"color_mode"`
	RefreshIntervalS int           `yaml:"refresh_interval_s"`
	SleepDurationS   int           `yaml:"sleep_duration_s"`
}

// Registry is the immutable, process-wide device->config mapping.
type Registry struct {
	devices map[string]types.Device

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// Load parses path as a YAML device registry file and validates every
// entry: unique opaque id, positive viewport, and a color_mode in
// {B,G,R,C} whose bit depth matches §4.1's table.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: reading %s: %w", path, err)
	}

	var file deviceFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("registry: parsing %s: %w", path, err)
	}

	devices := make(map[string]types.Device, len(file.Devices))
	for _, e := range file.Devices {
		d, err := toDevice(e)
		if err != nil {
			return nil, fmt.Errorf("registry: device %q: %w", e.ID, err)
		}
		if _, exists := devices[d.ID]; exists {
			return nil, fmt.Errorf("registry: duplicate device id %q", d.ID)
		}
		devices[d.ID] = d
	}

	return &Registry{
		devices:  devices,
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

func toDevice(e deviceEntry) (types.Device, error) {
	if e.ID == "" {
		return types.Device{}, fmt.Errorf("id is required")
	}
	if e.Viewport.W <= 0 || e.Viewport.H <= 0 {
		return types.Device{}, fmt.Errorf("viewport must be positive, got %dx%d", e.Viewport.W, e.Viewport.H)
	}
	mode := types.ColorMode(0)
	if len(e.ColorMode) == 1 {
		mode = types.ColorMode(e.ColorMode[0])
	}
	if _, ok := types.BitsForMode(mode); !ok {
		return types.Device{}, fmt.Errorf("color_mode must be one of B,G,R,C, got %q", e.ColorMode)
	}

	return types.Device{
		ID:               e.ID,
		APIKey:           e.APIKey,
		SourceURL:        e.SourceURL,
		Viewport:         types.Viewport{W: e.Viewport.W, H: e.Viewport.H},
		ColorMode:        mode,
		RefreshIntervalS: e.RefreshIntervalS,
		SleepDurationS:   e.SleepDurationS,
	}, nil
}

// Lookup returns the Device for id, or ErrUnknownDevice.
func (r *Registry) Lookup(id string) (types.Device, error) {
	d, ok := r.devices[id]
	if !ok {
		return types.Device{}, types.ErrUnknownDevice
	}
	return d, nil
}

// Authenticate reports whether apiKey matches the registered device's
// key, in constant time. Failures are logged, rate limited per
// device id so a misconfigured firmware can't flood the log.
func (r *Registry) Authenticate(id, apiKey string) bool {
	d, ok := r.devices[id]
	if !ok {
		r.logAuthFailure(id, "unknown device")
		return false
	}

	match := subtle.ConstantTimeCompare([]byte(d.APIKey), []byte(apiKey)) == 1
	if !match {
		r.logAuthFailure(id, "bad api key")
	}
	return match
}

func (r *Registry) logAuthFailure(deviceID, reason string) {
	if r.limiterFor(deviceID).Allow() {
		log.Warn().Str("device", deviceID).Str("reason", reason).Msg("authentication failed")
	}
}

func (r *Registry) limiterFor(deviceID string) *rate.Limiter {
	r.limiterMu.Lock()
	defer r.limiterMu.Unlock()

	l, ok := r.limiters[deviceID]
	if !ok {
		l = rate.NewLimiter(authFailureLogRate, 1)
		r.limiters[deviceID] = l
	}
	return l
}

// RedactedDevice is the /api/config liveness shape: everything but
// the api key.
type RedactedDevice struct {
	ID               string `json:"id"`
	SourceURL        string `json:"source_url"`
	ViewportW        int    `json:"viewport_w"`
	ViewportH        int    `json:"viewport_h"`
	ColorMode        string `json:"color_mode"`
	RefreshIntervalS int    `json:"refresh_interval_s"`
	SleepDurationS   int    `json:"sleep_duration_s"`
}

// Redacted returns every registered device with its api_key stripped,
// for the /api/config liveness endpoint.
func (r *Registry) Redacted() []RedactedDevice {
	out := make([]RedactedDevice, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, RedactedDevice{
			ID:               d.ID,
			SourceURL:        d.SourceURL,
			ViewportW:        d.Viewport.W,
			ViewportH:        d.Viewport.H,
			ColorMode:        string(d.ColorMode),
			RefreshIntervalS: d.RefreshIntervalS,
			SleepDurationS:   d.SleepDurationS,
		})
	}
	return out
}

// Len reports the number of registered devices.
func (r *Registry) Len() int { return len(r.devices) }
