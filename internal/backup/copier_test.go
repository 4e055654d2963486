package backup

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TishSerg/browsession/internal/logging"
	"github.com/TishSerg/browsession/internal/types"
)

func mustStatModTime(t *testing.T, path string) time.Time {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	return info.ModTime()
}

func newTestLogger() *logging.Logger {
	logger := logging.New(types.LogLevelDebug, false)
	logger.SetOutput(&bytes.Buffer{})
	return logger
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestCopyProfileBasic(t *testing.T) {
	profile := t.TempDir()
	backups := t.TempDir()

	writeFile(t, filepath.Join(profile, "History"), "history data")
	writeFile(t, filepath.Join(profile, "Sessions", "Session_1"), "session data")
	writeFile(t, filepath.Join(profile, "Sessions", "Tabs_1"), "tab data")

	copier := NewCopier(newTestLogger(), profile)
	dest := filepath.Join(backups, "2024-01-01 (full)")

	report, err := copier.CopyProfile(context.Background(), dest, []string{"History", "Sessions"})
	if err != nil {
		t.Fatalf("CopyProfile failed: %v", err)
	}
	if len(report.Failures) != 0 {
		t.Fatalf("expected no failures, got %d: %v", len(report.Failures), report.Failures)
	}

	got, err := os.ReadFile(filepath.Join(dest, "Sessions", "Session_1"))
	if err != nil {
		t.Fatalf("read copied file: %v", err)
	}
	if string(got) != "session data" {
		t.Errorf("copied content = %q, want %q", got, "session data")
	}
	if _, err := os.Stat(filepath.Join(dest, "History")); err != nil {
		t.Errorf("History not copied: %v", err)
	}
}

func TestCopyProfileDestinationExists(t *testing.T) {
	profile := t.TempDir()
	backups := t.TempDir()
	writeFile(t, filepath.Join(profile, "History"), "data")

	dest := filepath.Join(backups, "existing")
	if err := os.Mkdir(dest, 0755); err != nil {
		t.Fatal(err)
	}

	copier := NewCopier(newTestLogger(), profile)
	_, err := copier.CopyProfile(context.Background(), dest, []string{"History"})
	if !errors.Is(err, ErrDestinationExists) {
		t.Fatalf("expected ErrDestinationExists, got %v", err)
	}

	// The existing directory must not have been touched.
	entries, err := os.ReadDir(dest)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("existing destination was modified, contains %d entries", len(entries))
	}
}

func TestCopyProfileMissingEntriesContinue(t *testing.T) {
	profile := t.TempDir()
	backups := t.TempDir()
	writeFile(t, filepath.Join(profile, "History"), "data")

	copier := NewCopier(newTestLogger(), profile)
	dest := filepath.Join(backups, "partial")

	report, err := copier.CopyProfile(context.Background(), dest,
		[]string{"Nope", "History", "AlsoMissing"})
	if err != nil {
		t.Fatalf("CopyProfile failed: %v", err)
	}
	if len(report.Failures) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(report.Failures))
	}
	if _, err := os.Stat(filepath.Join(dest, "History")); err != nil {
		t.Errorf("History not copied despite other failures: %v", err)
	}
}

func TestCopyProfileSkipsTempFiles(t *testing.T) {
	profile := t.TempDir()
	backups := t.TempDir()
	writeFile(t, filepath.Join(profile, "Sessions", "Session_1"), "keep")
	writeFile(t, filepath.Join(profile, "Sessions", "Session_2.tmp"), "skip")

	copier := NewCopier(newTestLogger(), profile)
	dest := filepath.Join(backups, "notmp")

	if _, err := copier.CopyProfile(context.Background(), dest, []string{"Sessions"}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dest, "Sessions", "Session_2.tmp")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("temp file was copied, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "Sessions", "Session_1")); err != nil {
		t.Errorf("regular file missing: %v", err)
	}
}

func TestCopyProfilePreservesSymlinks(t *testing.T) {
	profile := t.TempDir()
	backups := t.TempDir()
	writeFile(t, filepath.Join(profile, "Extensions", "real.js"), "code")
	if err := os.Symlink("real.js", filepath.Join(profile, "Extensions", "link.js")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	copier := NewCopier(newTestLogger(), profile)
	dest := filepath.Join(backups, "links")

	if _, err := copier.CopyProfile(context.Background(), dest, []string{"Extensions"}); err != nil {
		t.Fatal(err)
	}

	target, err := os.Readlink(filepath.Join(dest, "Extensions", "link.js"))
	if err != nil {
		t.Fatalf("copied entry is not a symlink: %v", err)
	}
	if target != "real.js" {
		t.Errorf("symlink target = %q, want %q", target, "real.js")
	}
}

func TestCopyProfilePreservesModTime(t *testing.T) {
	profile := t.TempDir()
	backups := t.TempDir()
	src := filepath.Join(profile, "History")
	writeFile(t, src, "data")

	past := mustStatModTime(t, src).Add(-time.Hour)
	if err := os.Chtimes(src, past, past); err != nil {
		t.Fatal(err)
	}

	copier := NewCopier(newTestLogger(), profile)
	dest := filepath.Join(backups, "times")
	if _, err := copier.CopyProfile(context.Background(), dest, []string{"History"}); err != nil {
		t.Fatal(err)
	}

	got := mustStatModTime(t, filepath.Join(dest, "History"))
	if !got.Equal(past) {
		t.Errorf("mod time = %v, want %v", got, past)
	}
}
