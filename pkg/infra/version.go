package infra

import (
	"fmt"
	"runtime"
)

// Set through -ldflags at build time.
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuiltAt   = "unknown"
)

// GetVersionInfo returns the version block printed by the version command.
func GetVersionInfo() string {
	return fmt.Sprintf("microdonate:\n Version: %s\n Go version: %s\n Git commit: %s\n Built: %s\n OS/Arch: %s/%s\n",
		Version,
		runtime.Version(),
		CommitSHA,
		BuiltAt,
		runtime.GOOS,
		runtime.GOARCH,
	)
}
