package version

import (
	"runtime/debug"
	"testing"
)

func TestFromBuildInfo(t *testing.T) {
	t.Parallel()

	var info Info
	fromBuildInfo(&info, &debug.BuildInfo{
		Main: debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	})
	if info.Version != "" {
		t.Fatalf("(devel) should not become a version, got %q", info.Version)
	}
	if info.Commit != "0123456789abcdef0123" || info.BuildTime != "2026-01-02T03:04:05Z" || !info.Modified {
		t.Fatalf("info %+v", info)
	}

	pinned := Info{Version: "v1.2.3", Commit: "abc"}
	fromBuildInfo(&pinned, &debug.BuildInfo{
		Main:     debug.Module{Version: "v0.0.1"},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "zzz"}},
	})
	if pinned.Version != "v1.2.3" || pinned.Commit != "abc" {
		t.Fatalf("ldflags values overridden: %+v", pinned)
	}
}

func TestShortCommit(t *testing.T) {
	t.Parallel()

	if got := shortCommit("0123456789abcdef"); got != "0123456789ab" {
		t.Fatalf("shortCommit = %q", got)
	}
	if got := shortCommit("abc"); got != "abc" {
		t.Fatalf("shortCommit = %q", got)
	}
}

func TestResolveDefaults(t *testing.T) {
	t.Parallel()

	info := Resolve()
	if info.Version == "" || info.GoVersion == "" {
		t.Fatalf("info %+v", info)
	}
}
