// Package buildinfo reports what binary is running. Version, Commit and BuiltAt are set with
// -ldflags "-X geotrack/internal/buildinfo.Version=..."; unset fields fall back to the VCS
// stamp the Go toolchain embeds.
package buildinfo

import (
	"runtime/debug"
	"sync"
)

var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

// Info is reported on /debug/info and in the engine status.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuiltAt   string `json:"builtAt,omitempty"`
	GoVersion string `json:"goVersion,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
}

var (
	once   sync.Once
	cached Info
)

// Get returns the build description, computed once.
func Get() Info {
	once.Do(func() {
		cached = resolve(Version, Commit, BuiltAt, debug.ReadBuildInfo)
	})
	return cached
}

func resolve(version, commit, builtAt string, read func() (*debug.BuildInfo, bool)) Info {
	info := Info{Version: version, Commit: commit, BuiltAt: builtAt}
	bi, ok := read()
	if !ok {
		return info
	}
	info.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.BuiltAt == "" {
				info.BuiltAt = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	if len(info.Commit) > 12 {
		info.Commit = info.Commit[:12]
	}
	return info
}

// UserAgent identifies outbound requests to the geocoder, roster and webhook endpoints.
func UserAgent() string {
	return "geotrack/" + Get().Version
}
