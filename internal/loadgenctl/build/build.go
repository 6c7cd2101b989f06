// Package build holds version information set at link time with -ldflags "-X".
package build

var (
	ReleaseVersion = "UNKNOWN_VERSION"
	GitCommit      = "UNKNOWN_GITCOMMIT"
	GoVersion      = "UNKNOWN_GOVERSION"
	BuildTime      = "UNKNOWN_BUILDTIME"
)
