// Package version holds the service version, overridden at link time for
// release builds.
package version

// Version is the current version of tokend.
var Version = "0.1.0-dev"
