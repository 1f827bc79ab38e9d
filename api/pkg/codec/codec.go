// Package codec implements the pixel codec: conversion of an RGB
// source buffer into one of the four wire encodings (1-bit dithered
// mono, 2-bit palette, 8-bit grayscale, 24-bit raw RGB), plus
// byte-exact sub-rectangle extraction and canonical PBM/PGM/PPM
// framing.
//
// Dithering happens once over the full source buffer before any tile
// is extracted, so the same pixel encodes identically regardless of
// which tile request contains it (see Prepare).
package codec

import (
	"bytes"
	"fmt"

	"github.com/webink/snapshot-server/api/pkg/types"
)

// Prepare converts a tightly packed RGB buffer (w*h*3 bytes) into the
// per-pixel representation a given ColorMode packs into tiles:
//
//   - ColorModeMono: one byte per pixel, 0 or 1, the dithered bit value.
//   - ColorModeGray: one byte per pixel, luminance.
//   - ColorModePalette: one byte per pixel, palette index 0-3.
//   - ColorModeRGB: the source buffer unchanged.
//
// The returned buffer is a pure function of (rgb, w, h, mode); calling
// Prepare twice on identical input yields byte-identical output.
func Prepare(rgb []byte, w, h int, mode types.ColorMode) ([]byte, error) {
	if len(rgb) != w*h*3 {
		return nil, fmt.Errorf("codec: rgb buffer length %d does not match %dx%d", len(rgb), w, h)
	}

	switch mode {
	case types.ColorModeRGB:
		out := make([]byte, len(rgb))
		copy(out, rgb)
		return out, nil
	case types.ColorModeGray:
		return grayscale(rgb, w, h), nil
	case types.ColorModeMono:
		return ditherFloydSteinberg(grayscale(rgb, w, h), w, h), nil
	case types.ColorModePalette:
		return quantizePalette(rgb, w, h), nil
	default:
		return nil, fmt.Errorf("%w: %c", types.ErrInvalidMode, mode)
	}
}

// luminance applies the standard BT.601-style integer luma weights.
func luminance(r, g, b byte) byte {
	y := (299*int(r) + 587*int(g) + 114*int(b)) / 1000
	if y < 0 {
		y = 0
	} else if y > 255 {
		y = 255
	}
	return byte(y)
}

func grayscale(rgb []byte, w, h int) []byte {
	out := make([]byte, w*h)
	for i := 0; i < w*h; i++ {
		out[i] = luminance(rgb[i*3], rgb[i*3+1], rgb[i*3+2])
	}
	return out
}

// ditherFloydSteinberg thresholds a grayscale buffer to black/white
// using Floyd-Steinberg error diffusion and returns one byte per pixel
// holding the packed-bit value: 1 for black (set), 0 for white.
// Exact ties (value 128) round toward black, per the panel's
// high-contrast preference.
func ditherFloydSteinberg(gray []byte, w, h int) []byte {
	work := make([]int32, w*h)
	for i, v := range gray {
		work[i] = int32(v)
	}

	bits := make([]byte, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			old := work[idx]
			if old < 0 {
				old = 0
			} else if old > 255 {
				old = 255
			}

			var newVal int32
			var bit byte
			if old <= 128 {
				newVal = 0
				bit = 1
			} else {
				newVal = 255
				bit = 0
			}
			bits[idx] = bit

			quantErr := old - newVal
			if x+1 < w {
				work[idx+1] += quantErr * 7 / 16
			}
			if y+1 < h {
				if x > 0 {
					work[idx+w-1] += quantErr * 3 / 16
				}
				work[idx+w] += quantErr * 5 / 16
				if x+1 < w {
					work[idx+w+1] += quantErr * 1 / 16
				}
			}
		}
	}
	return bits
}

type rgbColor struct{ r, g, b int }

// palette is the fixed 4-color e-ink palette, index order matters:
// ties in nearest-neighbor distance resolve to the lowest index, i.e.
// toward black, to keep the panel high-contrast.
var palette = [4]rgbColor{
	{0, 0, 0},       // black
	{255, 255, 255}, // white
	{255, 0, 0},     // red
	{0, 0, 255},     // blue
}

func quantizePalette(rgb []byte, w, h int) []byte {
	out := make([]byte, w*h)
	for i := 0; i < w*h; i++ {
		r, g, b := int(rgb[i*3]), int(rgb[i*3+1]), int(rgb[i*3+2])
		best := 0
		bestDist := -1
		for idx, c := range palette {
			dr, dg, db := r-c.r, g-c.g, b-c.b
			dist := dr*dr + dg*dg + db*db
			if bestDist == -1 || dist < bestDist {
				bestDist = dist
				best = idx
			}
		}
		out[i] = byte(best)
	}
	return out
}

// validateRect checks that rect lies entirely within a fullW x fullH
// buffer.
func validateRect(fullW, fullH int, rect types.Rect) error {
	if rect.W <= 0 || rect.H <= 0 {
		return fmt.Errorf("%w: non-positive size %dx%d", types.ErrInvalidRect, rect.W, rect.H)
	}
	if rect.X < 0 || rect.Y < 0 || rect.X+rect.W > fullW || rect.Y+rect.H > fullH {
		return fmt.Errorf("%w: (%d,%d %dx%d) outside %dx%d", types.ErrInvalidRect, rect.X, rect.Y, rect.W, rect.H, fullW, fullH)
	}
	return nil
}

// EncodeTile extracts rect from a Prepare-d buffer and returns the
// header-framed wire bytes for mode. prepared must have been produced
// by Prepare with this same mode and the buffer's full fullW x fullH
// dimensions.
func EncodeTile(prepared []byte, fullW, fullH int, mode types.DisplayMode, rect types.Rect) ([]byte, error) {
	wantBits, ok := types.BitsForMode(mode.Mode)
	if !ok || wantBits != mode.Bits {
		return nil, fmt.Errorf("%w: bits %d does not match mode %c", types.ErrInvalidMode, mode.Bits, mode.Mode)
	}
	if err := validateRect(fullW, fullH, rect); err != nil {
		return nil, err
	}

	var body []byte
	switch mode.Mode {
	case types.ColorModeMono:
		body = packMono(prepared, fullW, rect)
	case types.ColorModePalette:
		body = packPalette(prepared, fullW, rect)
	case types.ColorModeGray:
		body = extractBytesPerPixel(prepared, fullW, rect, 1)
	case types.ColorModeRGB:
		body = extractBytesPerPixel(prepared, fullW, rect, 3)
	default:
		return nil, fmt.Errorf("%w: %c", types.ErrInvalidMode, mode.Mode)
	}

	var buf bytes.Buffer
	buf.WriteString(header(mode.Mode, rect.W, rect.H))
	buf.Write(body)
	return buf.Bytes(), nil
}

func header(mode types.ColorMode, w, h int) string {
	switch mode {
	case types.ColorModeMono:
		return fmt.Sprintf("P4\n%d %d\n", w, h)
	case types.ColorModeGray:
		return fmt.Sprintf("P5\n%d %d\n255\n", w, h)
	case types.ColorModePalette:
		return fmt.Sprintf("P5\n%d %d\n3\n", w, h)
	case types.ColorModeRGB:
		return fmt.Sprintf("P6\n%d %d\n255\n", w, h)
	default:
		return ""
	}
}

// extractBytesPerPixel copies rect out of a per-pixel buffer with a
// fixed number of bytes per pixel (1 for grayscale, 3 for raw RGB).
func extractBytesPerPixel(src []byte, fullW int, rect types.Rect, bpp int) []byte {
	out := make([]byte, rect.W*rect.H*bpp)
	for row := 0; row < rect.H; row++ {
		srcOff := ((rect.Y+row)*fullW + rect.X) * bpp
		dstOff := row * rect.W * bpp
		copy(out[dstOff:dstOff+rect.W*bpp], src[srcOff:srcOff+rect.W*bpp])
	}
	return out
}

// packMono packs one-byte-per-pixel bit values (0/1) from src into
// MSB-first 8-pixels-per-byte rows, row stride ceil(rect.W/8).
func packMono(src []byte, fullW int, rect types.Rect) []byte {
	stride := (rect.W + 7) / 8
	out := make([]byte, stride*rect.H)
	for row := 0; row < rect.H; row++ {
		srcRowOff := (rect.Y+row)*fullW + rect.X
		dstRowOff := row * stride
		for col := 0; col < rect.W; col++ {
			if src[srcRowOff+col] != 0 {
				byteIdx := dstRowOff + col/8
				bitIdx := 7 - uint(col%8)
				out[byteIdx] |= 1 << bitIdx
			}
		}
	}
	return out
}

// packPalette packs one-byte-per-pixel palette indices (0-3) from src
// into MSB-first 4-pixels-per-byte rows, row stride ceil(rect.W/4).
func packPalette(src []byte, fullW int, rect types.Rect) []byte {
	stride := (rect.W + 3) / 4
	out := make([]byte, stride*rect.H)
	for row := 0; row < rect.H; row++ {
		srcRowOff := (rect.Y+row)*fullW + rect.X
		dstRowOff := row * stride
		for col := 0; col < rect.W; col++ {
			idx := src[srcRowOff+col] & 0x3
			byteIdx := dstRowOff + col/4
			shift := uint(6 - 2*(col%4))
			out[byteIdx] |= idx << shift
		}
	}
	return out
}
