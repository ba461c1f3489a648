package buildinfo

import "runtime/debug"

// Version is filled in by the release build, with
// -ldflags "-X github.com/cyclopcam/frameselect/pkg/buildinfo.Version=1.2.3"
// If it is empty, we fall back to the VCS revision that the Go toolchain embeds.
var Version = ""

// Describe returns Version, or the VCS revision, or "dev"
func Describe() string {
	if Version != "" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 12 {
				return s.Value[:12]
			}
		}
	}
	return "dev"
}
