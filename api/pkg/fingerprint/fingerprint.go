// Package fingerprint computes a short, stable digest over a
// rendered pixel buffer so clients can decide whether to refetch
// tiles without comparing bytes themselves.
package fingerprint

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Length is the fixed hex-string length of a fingerprint.
const Length = 16

// Compute returns a deterministic hex digest of (buf, mode, deviceID).
// The device id and mode are mixed in last so two devices rendering
// byte-identical content still produce distinct fingerprints.
func Compute(buf []byte, mode, deviceID string) string {
	h := xxhash.New()
	_, _ = h.Write(buf)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(mode))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(deviceID))

	sum := h.Sum64()
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], sum)
	return fmt.Sprintf("%x", b)[:Length]
}
