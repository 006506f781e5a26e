// Package version exposes build metadata for the lirevox service.
package version

import (
	"runtime/debug"
)

// Version is the service release version, overridable at build time with
// -ldflags "-X lirevox.dev/version.Version=...".
var Version = "v0.1.0"

// BuildInfo contains build-time information extracted from the binary.
type BuildInfo struct {
	GoVersion   string `json:"goVersion"`
	MainModule  string `json:"mainModule"`
	MainVersion string `json:"mainVersion"`
}

// GetBuildInfo reads module information embedded at build time.
func GetBuildInfo() *BuildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return &BuildInfo{
			GoVersion:   "unknown",
			MainModule:  "unknown",
			MainVersion: Version,
		}
	}
	mainVersion := info.Main.Version
	if mainVersion == "" || mainVersion == "(devel)" {
		mainVersion = Version
	}
	return &BuildInfo{
		GoVersion:   info.GoVersion,
		MainModule:  info.Path,
		MainVersion: mainVersion,
	}
}
