// Package version carries build-time identification.
//
// The variables are injected via ldflags:
//
//	go build -ldflags "-X quoteflow/internal/version.Version=1.0.0 \
//	                   -X quoteflow/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X quoteflow/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

var (
	// Version is the semantic version.
	Version = "dev"

	// Commit is the short git commit hash.
	Commit = "unknown"

	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)

// String returns the full build stamp.
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}
