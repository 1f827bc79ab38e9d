// Package snapshot implements the per-device snapshot cache: the
// state machine that holds the most recently rendered buffer for each
// device, single-flights refreshes, and serves tile/hash reads from
// whichever Snapshot is currently installed.
package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/webink/snapshot-server/api/pkg/codec"
	"github.com/webink/snapshot-server/api/pkg/fingerprint"
	"github.com/webink/snapshot-server/api/pkg/types"
)

// Capturer renders a Device into a tightly packed RGB buffer. Render
// Engine implements this; tests substitute a fake.
type Capturer interface {
	Capture(ctx context.Context, d types.Device) ([]byte, error)
}

// view is an immutable, fully-formed Snapshot. A device's current
// view is swapped by pointer under entry.mu so readers never observe
// a partially written buffer (spec invariant: atomic replacement).
type view struct {
	rgb         []byte
	prepared    []byte // codec.Prepare(rgb, ...) for the device's configured mode
	fingerprint string
	capturedAt  time.Time
}

func (v *view) fresh(refreshInterval time.Duration) bool {
	return v != nil && time.Since(v.capturedAt) < refreshInterval
}

type entry struct {
	mu      sync.RWMutex
	current *view
	lastErr error
}

func (e *entry) snapshotView() *view {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// Cache is the process-wide Snapshot Cache, one entry per device,
// sharing a single Render Engine.
type Cache struct {
	engine  Capturer
	group   singleflight.Group
	waitCap time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

// New builds a Cache. waitCap bounds how long a reader will wait for
// an in-flight capture triggered by another reader before giving up;
// spec.md sizes this as the render timeout plus a grace period.
func New(engine Capturer, waitCap time.Duration) *Cache {
	return &Cache{
		engine:  engine,
		waitCap: waitCap,
		entries: make(map[string]*entry),
	}
}

func (c *Cache) entryFor(deviceID string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[deviceID]
	if !ok {
		e = &entry{}
		c.entries[deviceID] = e
	}
	return e
}

// ensureFresh returns the device's current view, triggering a
// single-flighted capture if the view is stale or absent. Concurrent
// callers for the same device id that arrive while a capture is in
// flight join that capture rather than starting a second one
// (spec invariant 1/2).
func (c *Cache) ensureFresh(ctx context.Context, d types.Device) (*view, error) {
	e := c.entryFor(d.ID)

	refreshInterval := time.Duration(d.RefreshIntervalS) * time.Second
	if cur := e.snapshotView(); cur.fresh(refreshInterval) {
		return cur, nil
	}

	resultCh := c.group.DoChan(d.ID, func() (interface{}, error) {
		// A capture that finished between the check above and this call
		// has already installed a fresh view; serve that one.
		if cur := e.snapshotView(); cur.fresh(refreshInterval) {
			return cur, nil
		}
		return c.capture(context.Background(), d, e)
	})

	waitCap := c.waitCap
	if waitCap <= 0 {
		waitCap = 35 * time.Second
	}
	timer := time.NewTimer(waitCap)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*view), nil
	case <-ctx.Done():
		// The capture this reader triggered (or joined) keeps running
		// for other waiters and future readers; only this reader's
		// call returns early.
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w: timed out waiting for capture", types.ErrRenderFailure)
	}
}

// capture runs the actual render, installs the resulting view, and is
// the single function singleflight.Group ensures runs at most once
// concurrently per device id. It intentionally ignores the triggering
// reader's context so a disconnect doesn't cancel work other readers
// are depending on (spec §5 cancellation semantics).
func (c *Cache) capture(ctx context.Context, d types.Device, e *entry) (*view, error) {
	rgb, err := c.engine.Capture(ctx, d)
	if err != nil {
		e.mu.Lock()
		e.lastErr = err
		e.mu.Unlock()
		return nil, err
	}

	prepared, err := codec.Prepare(rgb, d.Viewport.W, d.Viewport.H, d.ColorMode)
	if err != nil {
		e.mu.Lock()
		e.lastErr = err
		e.mu.Unlock()
		return nil, err
	}

	fp := fingerprint.Compute(rgb, d.DisplayMode().String(), d.ID)
	next := &view{
		rgb:         rgb,
		prepared:    prepared,
		fingerprint: fp,
		capturedAt:  time.Now(),
	}

	e.mu.Lock()
	e.current = next
	e.lastErr = nil
	e.mu.Unlock()

	return next, nil
}

// LastError returns the most recent capture error recorded for a
// device, if any. It does not trigger a capture.
func (c *Cache) LastError(deviceID string) error {
	c.mu.Lock()
	e, ok := c.entries[deviceID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// GetHash returns the device's current fingerprint, refreshing first
// if the cached Snapshot is stale or absent.
func (c *Cache) GetHash(ctx context.Context, d types.Device) (string, error) {
	v, err := c.ensureFresh(ctx, d)
	if err != nil {
		return "", err
	}
	return v.fingerprint, nil
}

// TileResult is a single encoded tile plus the fingerprint of the
// Snapshot it was cut from.
type TileResult struct {
	Bytes       []byte
	Fingerprint string
}

// GetTile validates mode against the device's configured DisplayMode,
// refreshes if needed, and returns the header-framed tile bytes for
// rect.
func (c *Cache) GetTile(ctx context.Context, d types.Device, mode types.DisplayMode, rect types.Rect) (TileResult, error) {
	want := d.DisplayMode()
	if mode.W != want.W || mode.H != want.H || mode.Mode != want.Mode || mode.Bits != want.Bits {
		return TileResult{}, fmt.Errorf("%w: requested %s, device is %s", types.ErrModeConflict, mode, want)
	}

	v, err := c.ensureFresh(ctx, d)
	if err != nil {
		return TileResult{}, err
	}

	out, err := codec.EncodeTile(v.prepared, d.Viewport.W, d.Viewport.H, mode, rect)
	if err != nil {
		return TileResult{}, err
	}
	return TileResult{Bytes: out, Fingerprint: v.fingerprint}, nil
}
