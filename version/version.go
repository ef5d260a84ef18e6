// Package version holds build information for poolbench. The variables
// are set with ldflags:
//
//	go build -ldflags "-X github.com/go-i2p/poolbench/version.Version=1.0.0 \
//	    -X github.com/go-i2p/poolbench/version.GitCommit=$(git rev-parse --short HEAD)" ./cmd/poolbench
//
// Development builds report "dev".
package version

import (
	"fmt"
	"runtime"
)

// Version is the release, set at build time.
var Version = "dev"

// GitCommit is the short commit hash, set at build time.
var GitCommit = ""

// BuildTime is when the binary was built, set at build time.
var BuildTime = ""

// Full returns the version with the commit and build time when known.
// Benchmark results are stamped with it.
func Full() string {
	v := Version
	if GitCommit != "" {
		v += "-" + GitCommit
	}
	if BuildTime != "" {
		v += " (" + BuildTime + ")"
	}
	return v
}

// String describes the binary for -version output.
func String() string {
	return fmt.Sprintf("poolbench %s %s %s/%s", Full(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
