// Package version holds build metadata stamped into the taskq binaries.
package version

import "fmt"

// Set via -ldflags "-X github.com/GoCodeAlone/taskq/internal/version.Version=..." at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String formats the build metadata for a binary name, e.g.
// "taskq dev (commit unknown, built unknown)".
func String(binary string) string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", binary, Version, Commit, BuildDate)
}
