// Package types holds the data model shared across the snapshot server:
// devices, display modes, snapshots and tiles.
package types

import (
	"fmt"
	"regexp"
	"strconv"
)

// ColorMode is the single-character color encoding selector used in a
// DisplayMode string.
type ColorMode byte

const (
	ColorModeMono      ColorMode = 'B' // 1 bit, Floyd-Steinberg dithered
	ColorModeGray      ColorMode = 'G' // 8 bit grayscale
	ColorModePalette   ColorMode = 'R' // 2 bit, 4-color palette
	ColorModeRGB       ColorMode = 'C' // 24 bit raw RGB
)

// BitsForMode returns the canonical bit depth for a ColorMode, and
// whether the mode is recognized.
func BitsForMode(m ColorMode) (int, bool) {
	switch m {
	case ColorModeMono:
		return 1, true
	case ColorModePalette:
		return 2, true
	case ColorModeGray:
		return 8, true
	case ColorModeRGB:
		return 24, true
	default:
		return 0, false
	}
}

var displayModePattern = regexp.MustCompile(`^(\d+)x(\d+)x(1|2|8|24)x([BGRC])$`)

// DisplayMode is the canonical "WxHxBxC" viewport/encoding descriptor.
type DisplayMode struct {
	W, H int
	Bits int
	Mode ColorMode
}

// String renders the canonical "WxHxBxC" form.
func (m DisplayMode) String() string {
	return fmt.Sprintf("%dx%dx%dx%c", m.W, m.H, m.Bits, m.Mode)
}

// ParseDisplayMode parses a "WxHxBxC" string, validating that bits and
// mode agree (bits=1<->B, bits=2<->R, bits=8<->G, bits=24<->C).
func ParseDisplayMode(s string) (DisplayMode, error) {
	match := displayModePattern.FindStringSubmatch(s)
	if match == nil {
		return DisplayMode{}, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}

	w, _ := strconv.Atoi(match[1])
	h, _ := strconv.Atoi(match[2])
	bits, _ := strconv.Atoi(match[3])
	mode := ColorMode(match[4][0])

	wantBits, ok := BitsForMode(mode)
	if !ok || wantBits != bits {
		return DisplayMode{}, fmt.Errorf("%w: bits %d does not match mode %c", ErrInvalidMode, bits, mode)
	}
	if w <= 0 || h <= 0 {
		return DisplayMode{}, fmt.Errorf("%w: non-positive dimensions", ErrInvalidMode)
	}

	return DisplayMode{W: w, H: h, Bits: bits, Mode: mode}, nil
}

// Viewport is a device's rendered pixel size.
type Viewport struct {
	W, H int
}

// Device is a registered e-ink display's static configuration.
type Device struct {
	ID               string
	APIKey           string
	SourceURL        string
	Viewport         Viewport
	ColorMode        ColorMode
	RefreshIntervalS int
	SleepDurationS   int
}

// DisplayMode returns the Device's own configured DisplayMode.
func (d Device) DisplayMode() DisplayMode {
	bits, _ := BitsForMode(d.ColorMode)
	return DisplayMode{W: d.Viewport.W, H: d.Viewport.H, Bits: bits, Mode: d.ColorMode}
}

// Rect is an axis-aligned sub-rectangle request against a Snapshot.
type Rect struct {
	X, Y, W, H int
}

// Format is the requested tile output format on the wire.
type Format string

const (
	FormatPBM Format = "pbm"
	FormatPGM Format = "pgm"
	FormatPPM Format = "ppm"
)

// FormatForMode returns the canonical output format for a ColorMode.
func FormatForMode(m ColorMode) Format {
	switch m {
	case ColorModeMono:
		return FormatPBM
	case ColorModeGray, ColorModePalette:
		return FormatPGM
	case ColorModeRGB:
		return FormatPPM
	default:
		return ""
	}
}

// ContentType returns the HTTP Content-Type for a ColorMode's encoding.
func ContentType(m ColorMode) string {
	switch m {
	case ColorModeMono:
		return "image/x-portable-bitmap"
	case ColorModeGray, ColorModePalette:
		return "image/x-portable-graymap"
	case ColorModeRGB:
		return "image/x-portable-pixmap"
	default:
		return "application/octet-stream"
	}
}
