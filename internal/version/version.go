package version

// Set at build time via -ldflags "-X github.com/yaotools/toolmeter/internal/version.Version=...".
var (
	Version = "v0.1.0"
	Commit  = "unknown"
	BuiltAt = "unknown"
)

// Info returns the version string.
func Info() string {
	return Version
}

// FullInfo returns version, commit and build time on one line.
func FullInfo() string {
	return "toolmeter " + Version + " commit=" + Commit + " built_at=" + BuiltAt
}
