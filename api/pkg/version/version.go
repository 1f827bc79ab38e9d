// Package version reports the build identity of the running binary.
package version

import "runtime/debug"

// Version is set via -ldflags at build time; it falls back to the VCS
// revision embedded by the Go toolchain when unset.
var Version = ""

// Get returns the best available version string.
func Get() string {
	if Version != "" {
		return Version
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "<unknown>"
	}
	for _, kv := range info.Settings {
		if kv.Key == "vcs.revision" && kv.Value != "" {
			return kv.Value
		}
	}
	return "<unknown>"
}
