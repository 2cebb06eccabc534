// Package version provides build version information.
package version

import (
	"fmt"
	"io"
	"runtime"
)

// Set by -ldflags "-X github.com/coral-mesh/memprof/pkg/version.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
	GoVersion = runtime.Version()
)

// String returns a one-line version summary.
func String() string {
	return Version + " (" + GitCommit + ", " + GoVersion + ")"
}

// Fprint writes the full build information for the named binary to w.
func Fprint(w io.Writer, name string) error {
	_, err := fmt.Fprintf(w, "%s version %s\nGit commit: %s\nBuild date: %s\nGo version: %s\n",
		name, Version, GitCommit, BuildDate, GoVersion)
	return err
}
