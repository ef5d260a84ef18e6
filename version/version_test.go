package version

import (
	"runtime"
	"strings"
	"testing"
)

// setBuild overrides the build variables for one test.
func setBuild(t *testing.T, v, commit, built string) {
	t.Helper()
	origVersion, origCommit, origBuildTime := Version, GitCommit, BuildTime
	t.Cleanup(func() {
		Version, GitCommit, BuildTime = origVersion, origCommit, origBuildTime
	})
	Version, GitCommit, BuildTime = v, commit, built
}

func TestVersion_NotEmpty(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}
}

func TestFull(t *testing.T) {
	tests := []struct {
		name    string
		version string
		commit  string
		built   string
		want    string
	}{
		{"version only", "1.0.0", "", "", "1.0.0"},
		{"with commit", "1.0.0", "abc1234", "", "1.0.0-abc1234"},
		{"with build time", "1.0.0", "", "2026-01-02T03:04:05Z", "1.0.0 (2026-01-02T03:04:05Z)"},
		{"everything", "1.2.3", "abc1234", "2026-01-02T03:04:05Z", "1.2.3-abc1234 (2026-01-02T03:04:05Z)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBuild(t, tt.version, tt.commit, tt.built)
			if got := Full(); got != tt.want {
				t.Errorf("Full() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestString(t *testing.T) {
	setBuild(t, "2.0.0", "", "")
	s := String()
	if !strings.HasPrefix(s, "poolbench 2.0.0 ") {
		t.Errorf("String() = %q, want poolbench prefix", s)
	}
	if !strings.Contains(s, runtime.Version()) {
		t.Errorf("String() = %q, want Go version", s)
	}
	if !strings.HasSuffix(s, runtime.GOOS+"/"+runtime.GOARCH) {
		t.Errorf("String() = %q, want platform suffix", s)
	}
}
