// Package version provides version information for fhirsql.
package version

// Version is the current version of fhirsql. Overridden at build time via
// -ldflags "-X github.com/medql/fhirsql/pkg/version.Version=...".
var Version = "0.3.0"

// String returns the version string.
func String() string {
	return Version
}

// Full returns a full version string with the package name.
func Full() string {
	return "fhirsql version " + Version
}
