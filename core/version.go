package core

// Build metadata, injected with:
//
//	go build -ldflags "-X archrender/core.Version=$(git describe --tags --always)" .
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// GetVersionInfo returns version, build time and commit in one line.
func GetVersionInfo() string {
	return Version + " (built " + BuildTime + ", commit " + GitCommit + ")"
}
