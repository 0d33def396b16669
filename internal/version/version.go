// Package version carries build metadata, set at link time with
// -ldflags "-X github.com/banshee-data/rt21bridge/internal/version.Version=...".
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

// String renders the build metadata on one line for logs and the admin page.
func String() string {
	sha := GitSHA
	if len(sha) > 12 {
		sha = sha[:12]
	}
	return fmt.Sprintf("rt21bridge %s (%s, built %s)", Version, sha, BuildTime)
}
