// Package version holds build metadata injected with ldflags, e.g.
//
//	go build -ldflags "-X git.home.luguber.info/inful/buildcoord/internal/version.Version=v0.3.0"
package version

import "fmt"

var (
	Version   = "unknown"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// String renders the version line printed by --version.
func String() string {
	if GitCommit == "unknown" && BuildTime == "unknown" {
		return Version
	}
	return fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildTime)
}
