// Package version carries build metadata injected via -ldflags.
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the release version, "unknown" for untagged builds.
	Version = "unknown"
	// Revision is the git commit hash.
	Revision = "unknown"
	// BuiltAt is the build timestamp.
	BuiltAt = "unknown"
)

// String renders the version block printed by "simfleet version".
func String() string {
	return fmt.Sprintf(
		"Version:        %s\nGit hash:       %s\nBuilt:          %s\nGolang version: %s\nOS/Arch:        %s/%s\n",
		Version, Revision, BuiltAt, runtime.Version(), runtime.GOOS, runtime.GOARCH,
	)
}
