package common

var (
	// Version is set at build time with -ldflags.
	Version = "dev"

	// PackageName prefixes exported metrics.
	PackageName = "model_dist"
)
