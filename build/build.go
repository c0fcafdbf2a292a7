// Package build carries metadata injected at build time via
// -ldflags "-X landlot/build.Version=... -X landlot/build.Date=...".
package build

var (
	Version = "unknown"
	Date    = "unknown"
)
