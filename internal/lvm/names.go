package lvm

import (
	"strings"

	"github.com/clipos/updater/internal/version"
)

// Fixed LV names that are never core image slots.
const (
	StateLV = "core_state"
	SwapLV  = "core_swap"
)

const corePrefix = "core_"

// CoreName returns the LV name for a core image slot of the given
// version, e.g. "core_5.0.0-alpha.3".
func CoreName(v version.Version) string {
	return corePrefix + v.String()
}

// ParseCoreVersion reports whether name is a core_<version> slot and, if
// so, its version. core_state and core_swap are never slots.
func ParseCoreVersion(name string) (version.Version, bool) {
	if name == StateLV || name == SwapLV {
		return version.Version{}, false
	}
	if !strings.HasPrefix(name, corePrefix) {
		return version.Version{}, false
	}
	v, err := version.Parse(strings.TrimPrefix(name, corePrefix))
	if err != nil {
		return version.Version{}, false
	}
	return v, true
}
