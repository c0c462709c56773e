// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// These variables are set at build time via -ldflags, e.g.
//
//	go build -ldflags "-X github.com/yuri-schmaltz/darktable-mcp/internal/buildinfo.Version=0.2.0"
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// ServerName is the name the bridge reports in the initialize handshake.
const ServerName = "darktable-mcp"

var startTime = time.Now()

// BuildInfo returns build and runtime info as a map.
func BuildInfo() map[string]string {
	return map[string]string{
		"name":       ServerName,
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("%s %s (%s) built %s", ServerName, Version, GitCommit, BuildTime)
}
