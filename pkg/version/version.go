// Package version derives the build identity reported in logs, health
// payloads, and user-agent strings.
package version

import "runtime/debug"

// AppName prefixes version strings.
const AppName = "infermesh"

// commitOverride is injected with -ldflags for container builds where
// no .git directory is present.
var commitOverride string

// Version is the short commit hash of the build, or "dev" when no
// build metadata is available (go test, non-git builds).
var Version = resolve()

// GitCommit aliases Version for callers that log the commit explicitly.
var GitCommit = Version

// Full returns "infermesh/<commit>".
func Full() string {
	return AppName + "/" + Version
}

func resolve() string {
	if commitOverride != "" {
		return short(commitOverride)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return short(s.Value)
			}
		}
	}
	return "dev"
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
