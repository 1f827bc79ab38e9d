// Package render owns the headless-browser pool that turns a Device's
// source URL into a tightly packed RGB buffer of its configured
// viewport size.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/webink/snapshot-server/api/pkg/config"
	"github.com/webink/snapshot-server/api/pkg/types"
)

// Engine is the pool of headless-browser contexts. One Engine is
// shared by the HTTP and socket front-ends via the Snapshot Cache.
type Engine struct {
	cfg      config.RenderConfig
	pool     rod.Pool[rod.Browser]
	sem      chan struct{}
	launcher *launcher.Launcher

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker
}

// New creates an Engine with a pool of cfg.PoolSize browser contexts.
// If cfg.ChromeURL is set the Engine connects to an already-running
// browser (e.g. a chrome-headless-shell sidecar); otherwise it
// launches one locally via the rod launcher.
func New(cfg config.RenderConfig) (*Engine, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 2
	}

	e := &Engine{
		cfg:      cfg,
		pool:     rod.NewBrowserPool(cfg.PoolSize),
		sem:      make(chan struct{}, cfg.PoolSize),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}

	if cfg.ChromeURL == "" {
		e.launcher = launcher.New().Headless(true)
	}

	return e, nil
}

// Close tears down the launcher, if any, and every pooled browser.
func (e *Engine) Close() {
	e.pool.Cleanup(func(b *rod.Browser) { b.MustClose() })
	if e.launcher != nil {
		e.launcher.Cleanup()
	}
}

func (e *Engine) newBrowser() (*rod.Browser, error) {
	controlURL := e.cfg.ChromeURL
	if controlURL == "" {
		url, err := e.launcher.Launch()
		if err != nil {
			return nil, fmt.Errorf("render: launching browser: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("render: connecting to browser: %w", err)
	}
	return browser, nil
}

func (e *Engine) breakerFor(deviceID string) *gobreaker.CircuitBreaker {
	e.breakersMu.Lock()
	defer e.breakersMu.Unlock()

	b, ok := e.breakers[deviceID]
	if ok {
		return b
	}

	maxFailures := e.cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	cooldown := time.Duration(e.cfg.BreakerCooldownS) * time.Second
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	b = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        deviceID,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("device", name).Str("from", from.String()).Str("to", to.String()).Msg("render circuit breaker state change")
		},
	})
	e.breakers[deviceID] = b
	return b
}

// Capture renders d.SourceURL at d.Viewport and returns a tightly
// packed RGB buffer of exactly w*h*3 bytes. It never poisons the
// pool: a browser that errors is torn down and replaced before any
// future Get.
func (e *Engine) Capture(ctx context.Context, d types.Device) ([]byte, error) {
	// Pool contention is global, not a fault of this device's source
	// URL, so the wait for a free slot happens outside the per-device
	// breaker: it must never count as a failure against d's breaker.
	if err := e.acquirePoolSlot(ctx); err != nil {
		return nil, err
	}
	defer func() { <-e.sem }()

	breaker := e.breakerFor(d.ID)
	result, err := breaker.Execute(func() (interface{}, error) {
		return e.capture(ctx, d)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, types.ErrCircuitOpen
		}
		return nil, err
	}
	return result.([]byte), nil
}

func (e *Engine) acquirePoolSlot(ctx context.Context) error {
	waitTimeout := time.Duration(e.cfg.PoolWaitTimeoutS) * time.Second
	if waitTimeout <= 0 {
		waitTimeout = 30 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()

	select {
	case e.sem <- struct{}{}:
		return nil
	case <-waitCtx.Done():
		return types.ErrPoolExhausted
	}
}

func (e *Engine) capture(ctx context.Context, d types.Device) ([]byte, error) {
	browser, err := e.pool.Get(e.newBrowser)
	if err != nil {
		// Return the empty slot so a later Get can launch a browser.
		e.pool.Put(nil)
		return nil, fmt.Errorf("%w: acquiring browser: %v", types.ErrRenderFailure, err)
	}

	healthy := true
	defer func() {
		if healthy {
			e.pool.Put(browser)
		} else {
			_ = browser.Close()
			// An empty slot makes the next Get launch a fresh browser.
			e.pool.Put(nil)
		}
	}()

	buf, err := e.renderInContext(ctx, browser, d)
	if err != nil {
		healthy = false
		return nil, err
	}
	return buf, nil
}

func (e *Engine) renderInContext(ctx context.Context, browser *rod.Browser, d types.Device) ([]byte, error) {
	navTimeout := time.Duration(e.cfg.NavigationTimeoutS) * time.Second
	if navTimeout <= 0 {
		navTimeout = 20 * time.Second
	}
	navCtx, cancel := context.WithTimeout(ctx, navTimeout)
	defer cancel()

	page, err := browser.Context(navCtx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("%w: opening page: %v", types.ErrRenderFailure, err)
	}
	defer func() { _ = page.Close() }()

	retries := e.cfg.NavigationRetries
	if retries < 0 {
		retries = 0
	}

	err = retry.Do(
		func() error { return page.Navigate(d.SourceURL) },
		retry.Attempts(uint(retries+1)),
		retry.Context(navCtx),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransientNavError),
	)
	if err != nil {
		if errors.Is(navCtx.Err(), context.DeadlineExceeded) {
			return nil, types.ErrNavigationTimeout
		}
		return nil, fmt.Errorf("%w: navigating to %s: %v", types.ErrRenderFailure, d.SourceURL, err)
	}

	quiet := time.Duration(e.cfg.NetworkQuietMS) * time.Millisecond
	if quiet <= 0 {
		quiet = 500 * time.Millisecond
	}
	if err := page.WaitIdle(quiet); err != nil {
		if errors.Is(navCtx.Err(), context.DeadlineExceeded) {
			return nil, types.ErrNavigationTimeout
		}
		return nil, fmt.Errorf("%w: waiting for network quiet: %v", types.ErrRenderFailure, err)
	}

	w, h := d.Viewport.W, d.Viewport.H
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             w,
		Height:            h,
		DeviceScaleFactor: 1,
		Mobile:            false,
	}); err != nil {
		return nil, fmt.Errorf("%w: setting viewport: %v", types.ErrRenderFailure, err)
	}

	shot, err := page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
		Clip: &proto.PageViewport{
			X: 0, Y: 0,
			Width: float64(w), Height: float64(h),
			Scale: 1,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: capturing screenshot: %v", types.ErrRenderFailure, err)
	}

	buf, err := decodeRGB(shot, w, h)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding screenshot: %v", types.ErrRenderFailure, err)
	}
	return buf, nil
}

// decodeRGB decodes a PNG screenshot into a tightly packed RGB buffer
// of exactly w*h*3 bytes, failing if the decoded image isn't exactly
// the requested viewport size.
func decodeRGB(pngBytes []byte, w, h int) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(pngBytes))
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	if bounds.Dx() != w || bounds.Dy() != h {
		return nil, fmt.Errorf("decoded image is %dx%d, want %dx%d", bounds.Dx(), bounds.Dy(), w, h)
	}

	out := make([]byte, w*h*3)
	if nrgba, ok := img.(*image.NRGBA); ok && nrgba.Stride == w*4 {
		for i, px := 0, 0; px < w*h; i, px = i+4, px+1 {
			out[px*3] = nrgba.Pix[i]
			out[px*3+1] = nrgba.Pix[i+1]
			out[px*3+2] = nrgba.Pix[i+2]
		}
		return out, nil
	}

	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			out[i] = byte(r >> 8)
			out[i+1] = byte(g >> 8)
			out[i+2] = byte(b >> 8)
			i += 3
		}
	}
	return out, nil
}

// isTransientNavError reports whether err looks like a recoverable
// CDP hiccup (connection reset, target crashed) worth retrying,
// rather than a real navigation failure (DNS error, 4xx/5xx page).
func isTransientNavError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, sub := range []string{"context canceled", "use of closed network connection", "websocket: close", "target crashed"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}
