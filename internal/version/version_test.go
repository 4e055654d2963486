package version

import (
	"runtime/debug"
	"testing"
)

// setVersionState swaps the package globals for the duration of a test.
func setVersionState(t *testing.T, injected string, info *debug.BuildInfo) {
	t.Helper()
	prevVersion, prevReader := Version, readBuildInfo
	t.Cleanup(func() {
		Version = prevVersion
		readBuildInfo = prevReader
	})

	Version = injected
	readBuildInfo = func() (*debug.BuildInfo, bool) {
		if info == nil {
			return nil, false
		}
		return info, true
	}
}

func buildInfoWith(moduleVersion string) *debug.BuildInfo {
	return &debug.BuildInfo{Main: debug.Module{Version: moduleVersion}}
}

func TestString(t *testing.T) {
	tests := []struct {
		name     string
		injected string
		info     *debug.BuildInfo
		want     string
	}{
		{"ldflags version wins", "v1.2.3", buildInfoWith("v9.9.9"), "1.2.3"},
		{"ldflags version trimmed", "  v1.2.3  ", nil, "1.2.3"},
		{"module version when not injected", "", buildInfoWith("v2.3.4"), "2.3.4"},
		{"no build info", "", nil, "0.0.0-dev"},
		{"empty module version", "", buildInfoWith(""), "0.0.0-dev"},
		{"devel module version", "", buildInfoWith("(devel)"), "0.0.0-dev"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setVersionState(t, tt.injected, tt.info)
			if got := String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStringSkipsBuildInfoWhenInjected(t *testing.T) {
	prevVersion, prevReader := Version, readBuildInfo
	t.Cleanup(func() {
		Version = prevVersion
		readBuildInfo = prevReader
	})

	Version = "v3.0.0"
	called := false
	readBuildInfo = func() (*debug.BuildInfo, bool) {
		called = true
		return nil, false
	}

	if got := String(); got != "3.0.0" {
		t.Fatalf("String() = %q, want %q", got, "3.0.0")
	}
	if called {
		t.Error("build info consulted although a version was injected")
	}
}
