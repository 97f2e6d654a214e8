// Package version carries build metadata for the storyloom binary.
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the semantic version, set via -ldflags at release time.
	Version = "dev"

	// Commit is the git commit the binary was built from.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)

// String returns a single-line version summary suitable for logs and
// the version subcommand.
func String() string {
	return fmt.Sprintf("storyloom %s (commit %s, built %s, %s)", Version, Commit, Date, runtime.Version())
}
