// Package version holds the agent version reported to the collector.
package version

// Version is set at build time via -ldflags
// "-X github.com/Guliveer/dynoscale/agent/internal/version.Version=...".
var Version = "0.3.0"

// UserAgent is the User-Agent header value sent with every upload.
func UserAgent() string {
	return "dynoscale-go;" + Version
}
