package buildinfo

import (
	"runtime/debug"
	"testing"
)

func TestResolveFallsBackToVCSStamp(t *testing.T) {
	read := func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{GoVersion: "go1.24.0", Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2024-05-01T09:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		}}, true
	}
	got := resolve("dev", "", "", read)
	if got.Commit != "0123456789ab" || got.BuiltAt != "2024-05-01T09:00:00Z" || !got.Modified || got.GoVersion != "go1.24.0" {
		t.Fatalf("resolve: %+v", got)
	}
}

func TestResolvePrefersLinkerValues(t *testing.T) {
	read := func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "ffff"}}}, true
	}
	got := resolve("1.4.0", "abc123", "2024-06-01", read)
	if got.Version != "1.4.0" || got.Commit != "abc123" || got.BuiltAt != "2024-06-01" {
		t.Fatalf("resolve: %+v", got)
	}
	if none := resolve("dev", "", "", func() (*debug.BuildInfo, bool) { return nil, false }); none.Commit != "" {
		t.Fatalf("no build info: %+v", none)
	}
}

func TestUserAgent(t *testing.T) {
	if ua := UserAgent(); ua != "geotrack/"+Version {
		t.Fatalf("user agent %q", ua)
	}
}
