package version

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCurrentDefaults(t *testing.T) {
	build := Current()
	if build.Version == "" || build.Commit == "" || build.Date == "" {
		t.Fatalf("build info must not contain empty fields: %+v", build)
	}
	if GetVersion() != build.Version {
		t.Fatalf("GetVersion() = %q, want %q", GetVersion(), build.Version)
	}
}

func TestBuildString(t *testing.T) {
	got := Build{Version: "v1.2.0", Commit: "abc123", Date: "2026-01-01"}.String()
	want := "orderflow version=v1.2.0 commit=abc123 date=2026-01-01"
	if got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestOverriddenVariables(t *testing.T) {
	oldVersion, oldCommit, oldDate := version, commit, date
	defer func() { version, commit, date = oldVersion, oldCommit, oldDate }()

	version, commit, date = "v9.9.9", "deadbeef", "2026-10-17"

	build := Current()
	if build.Version != "v9.9.9" || build.Commit != "deadbeef" || build.Date != "2026-10-17" {
		t.Fatalf("unexpected build: %+v", build)
	}
	if !strings.Contains(build.String(), "commit=deadbeef") {
		t.Fatalf("String() must include commit: %s", build.String())
	}
}

func TestBuildJSON(t *testing.T) {
	data, err := json.Marshal(Build{Version: "v1", Commit: "c", Date: "d"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"version":"v1","commit":"c","date":"d"}` {
		t.Fatalf("unexpected json: %s", data)
	}
}
