package version

import "fmt"

// These variables are injected at build time.

// Version is the release version, "development" for untagged builds.
var Version = "development"

// Commit is the commit hash of the build
var Commit string

// BuildDate is the date it was built
var BuildDate string

// UserAgent returns the value sent in the User-Agent header of key requests.
func UserAgent() string {
	return fmt.Sprintf("keyfeed/%s", Version)
}
