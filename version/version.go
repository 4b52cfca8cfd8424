// Package version reports build metadata injected via -ldflags at link time.
package version

import "fmt"

// These are overridden at build time with:
//
//	go build -ldflags "-X github.com/lp-systems/livepatch/version.Version=... \
//	  -X github.com/lp-systems/livepatch/version.Revision=... \
//	  -X github.com/lp-systems/livepatch/version.BuildTime=..."
var (
	Version   = "dev"
	Revision  = "unknown"
	BuildTime = "unknown"
)

// String renders the version banner printed by `livepatch version`.
func String() string {
	return fmt.Sprintf("Version:    %s\nGit commit: %s\nBuilt:      %s\n", Version, Revision, BuildTime)
}
