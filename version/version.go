package version

var (
	// Version can also be set through tag release at build time
	semver   = "0.3.0"
	revision = "unknown"
)

// Get returns the engine version. Overridden with -ldflags on tagged builds.
func Get() string {
	return semver
}

func Commit() string {
	return revision
}
