// Package version exposes the running binary's version derived from build
// metadata. Go 1.18+ embeds VCS info (git commit, dirty flag, etc.) into the
// binary via runtime/debug.BuildInfo, so no -ldflags are required.
package version

import "runtime/debug"

// AppName is the application name used in version strings and log fields.
const AppName = "sentryrund"

// GitCommit is the short git commit hash (8 chars) from build info. Set to
// "dev" when build info is unavailable (e.g. `go test`, non-git builds).
var GitCommit = initGitCommit()

func initGitCommit() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			if len(s.Value) > 8 {
				return s.Value[:8]
			}
			return s.Value
		}
	}
	return "dev"
}

// Full returns "sentryrund/<commit>" for use in startup logs and the
// liveness response.
func Full() string {
	return AppName + "/" + GitCommit
}
