// Package version carries build metadata stamped in with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/banshee-data/pulse.report/internal/version.Version=v0.3.0"
package version

import "fmt"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build metadata for -version output and logs.
func String() string {
	return fmt.Sprintf("pulse.report %s (%s, built %s)", Version, GitSHA, BuildTime)
}
