package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Get_PrefersExplicitVersion(t *testing.T) {
	old := Version
	defer func() { Version = old }()

	Version = "v1.2.3"
	require.Equal(t, "v1.2.3", Get())
}

func Test_Get_FallsBackWhenUnset(t *testing.T) {
	old := Version
	defer func() { Version = old }()

	Version = ""
	require.NotEmpty(t, Get())
}
