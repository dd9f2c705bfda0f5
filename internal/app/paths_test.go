package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePathsResolvesConfigDirectory(t *testing.T) {
	configHome := filepath.Join(t.TempDir(), "cfg")
	t.Setenv("XDG_CONFIG_HOME", configHome)

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("resolve paths: %v", err)
	}

	if paths.RootDir != filepath.Join(configHome, Name) {
		t.Fatalf("unexpected root dir: %q", paths.RootDir)
	}
	if _, err := os.Stat(paths.RootDir); err != nil {
		t.Fatalf("expected config directory to exist: %v", err)
	}
	if paths.ConfigFile != filepath.Join(paths.RootDir, ConfigFilename) {
		t.Fatalf("unexpected config file path: %q", paths.ConfigFile)
	}
	if paths.LogFile != filepath.Join(paths.RootDir, LogFilename) {
		t.Fatalf("unexpected log file path: %q", paths.LogFile)
	}
}

func TestBuildVersionFallsBackToDev(t *testing.T) {
	origVersion, origDate := Version, BuildDate
	t.Cleanup(func() { Version, BuildDate = origVersion, origDate })

	Version = "  "
	if got := BuildVersion(); got != "dev" {
		t.Fatalf("expected blank version to report dev, got %q", got)
	}

	Version = "1.4.0"
	BuildDate = "2026-08-01T10:00:00Z"
	if got := BuildVersionWithDate(); got != "1.4.0 (2026-08-01)" {
		t.Fatalf("unexpected version with date: %q", got)
	}
}
