package version

import "runtime"

// Build holds the build identifier, injected via -ldflags. Default "dev".
var Build = "dev"

// String describes the binary for -v output and startup logs.
func String(binary string) string {
	return binary + " " + Build + " (" + runtime.Version() + ")"
}
