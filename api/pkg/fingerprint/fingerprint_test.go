package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Compute_DeterministicAcrossCalls(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5}
	a := Compute(buf, "800x480x1xB", "dev1")
	b := Compute(buf, "800x480x1xB", "dev1")
	require.Equal(t, a, b)
	require.Len(t, a, Length)
}

func Test_Compute_DiffersOnBufferChange(t *testing.T) {
	a := Compute([]byte{1, 2, 3}, "800x480x1xB", "dev1")
	b := Compute([]byte{1, 2, 4}, "800x480x1xB", "dev1")
	require.NotEqual(t, a, b)
}

func Test_Compute_DiffersOnDeviceID(t *testing.T) {
	buf := []byte{1, 2, 3}
	a := Compute(buf, "800x480x1xB", "dev1")
	b := Compute(buf, "800x480x1xB", "dev2")
	require.NotEqual(t, a, b)
}

func Test_Compute_DiffersOnMode(t *testing.T) {
	buf := []byte{1, 2, 3}
	a := Compute(buf, "800x480x1xB", "dev1")
	b := Compute(buf, "400x240x8xG", "dev1")
	require.NotEqual(t, a, b)
}
