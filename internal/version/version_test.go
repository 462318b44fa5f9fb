package version

import "testing"

func TestString(t *testing.T) {
	defer func(v, b, c string) { Version, BuildTime, GitCommit = v, b, c }(Version, BuildTime, GitCommit)

	Version, BuildTime, GitCommit = "v0.3.0", "unknown", "unknown"
	if got := String(); got != "v0.3.0" {
		t.Errorf("String() = %q", got)
	}

	BuildTime, GitCommit = "2026-10-01", "abc123"
	if got, want := String(), "v0.3.0 (commit abc123, built 2026-10-01)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
