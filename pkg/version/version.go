// Package version reports which build of tiller is running. The commit
// comes from an -ldflags override when one was injected, otherwise from
// the VCS revision stamped into the binary's build info, otherwise it
// falls back to "dev" (typical for `go test` and non-git builds).
package version

import "runtime/debug"

// AppName prefixes version strings in logs and user-agent headers.
const AppName = "tiller"

// commit may be injected for container builds where .git is absent:
//
//	go build -ldflags "-X github.com/codeready-toolchain/tiller/pkg/version.commit=$(git rev-parse HEAD)"
var commit string

// GitCommit is the short commit hash identifying this build.
var GitCommit = resolveCommit()

// Full renders "tiller/<commit>".
func Full() string {
	return AppName + "/" + GitCommit
}

func resolveCommit() string {
	if commit != "" {
		return shortHash(commit)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return shortHash(s.Value)
			}
		}
	}
	return "dev"
}

func shortHash(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
