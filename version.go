package main

import (
	"strings"

	"github.com/oszuidwest/zwfm-speechgate/internal/types"
)

// Build information, set with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// buildInfo returns the build information reported in status responses.
func buildInfo() types.VersionInfo {
	return types.VersionInfo{
		Current:   strings.TrimPrefix(strings.TrimSpace(Version), "v"),
		Commit:    Commit,
		BuildTime: BuildTime,
	}
}
