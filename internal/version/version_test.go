package version

import "testing"

func TestString(t *testing.T) {
	oldV, oldSHA, oldT := Version, GitSHA, BuildTime
	defer func() { Version, GitSHA, BuildTime = oldV, oldSHA, oldT }()

	Version, GitSHA, BuildTime = "v1.2.3", "0123456789abcdef0123", "2026-10-01T00:00:00Z"
	want := "v1.2.3 (0123456789ab, built 2026-10-01T00:00:00Z)"
	if got := String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	Version, GitSHA, BuildTime = "dev", "abc", "unknown"
	if got := String(); got != "dev (abc, built unknown)" {
		t.Errorf("String() = %q", got)
	}
}
