package version

import (
	"runtime/debug"
	"strings"
)

// Set via -ldflags at release time.
var (
	Version = "0.3.0"
	Commit  = "unknown"
	Date    = "unknown"
)

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
}

// Resolve returns the full version string. Builds made outside the release
// pipeline carry the VCS revision recorded by the Go toolchain as a suffix.
func Resolve() string {
	return Current().String()
}

func Current() Info {
	info, _ := debug.ReadBuildInfo()
	return resolve(Version, Commit, Date, info)
}

func (i Info) String() string {
	if i.Commit == "" || i.Commit == "unknown" {
		return i.Version
	}
	return i.Version + "+" + shortCommit(i.Commit)
}

func resolve(base, commit, date string, build *debug.BuildInfo) Info {
	if base == "" {
		base = "0.0.0"
	}

	info := Info{Version: base, Commit: commit, Date: date}
	if build == nil {
		return info
	}
	info.GoVersion = build.GoVersion

	if commit != "" && commit != "unknown" {
		return info
	}

	var revision, modified, vcsTime string
	for _, setting := range build.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			modified = setting.Value
		case "vcs.time":
			vcsTime = setting.Value
		}
	}

	if revision == "" {
		return info
	}

	info.Commit = revision
	if modified == "true" {
		info.Commit += "-dirty"
	}
	if info.Date == "" || info.Date == "unknown" {
		info.Date = vcsTime
	}
	return info
}

func shortCommit(commit string) string {
	base, dirty := strings.CutSuffix(commit, "-dirty")
	if len(base) > 12 {
		base = base[:12]
	}
	if dirty {
		return base + "-dirty"
	}
	return base
}
