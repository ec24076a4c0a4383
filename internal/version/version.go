// SPDX-License-Identifier: MIT

// Package version exposes build-time version information.
package version

// Set at build time via -ldflags "-X github.com/mlfoundry/trackd/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// Info bundles the build identity for the /version endpoint.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Get returns the current build info.
func Get() Info {
	return Info{Version: Version, Commit: Commit, BuildDate: BuildDate}
}
