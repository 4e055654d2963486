package safefs

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"syscall"
	"testing"
	"time"
)

func TestStatRealFile(t *testing.T) {
	tmpDir := t.TempDir()

	info, err := Stat(context.Background(), tmpDir, time.Second)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if !info.IsDir() {
		t.Errorf("Stat() IsDir = false for directory")
	}
}

func TestStatTimeout(t *testing.T) {
	originalStat := osStat
	defer func() { osStat = originalStat }()

	osStat = func(path string) (fs.FileInfo, error) {
		time.Sleep(200 * time.Millisecond)
		return originalStat(path)
	}

	_, err := Stat(context.Background(), "/tmp", 10*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Stat() error = %v, want ErrTimeout", err)
	}

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Stat() error is not a *TimeoutError: %v", err)
	}
	if timeoutErr.Op != "stat" {
		t.Errorf("TimeoutError.Op = %q, want %q", timeoutErr.Op, "stat")
	}
}

func TestStatCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := Stat(ctx, "/tmp", time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("Stat() error = %v, want context.Canceled", err)
	}
}

func TestReadDirTimeout(t *testing.T) {
	originalReadDir := osReadDir
	defer func() { osReadDir = originalReadDir }()

	osReadDir = func(path string) ([]os.DirEntry, error) {
		time.Sleep(200 * time.Millisecond)
		return originalReadDir(path)
	}

	_, err := ReadDir(context.Background(), "/tmp", 10*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("ReadDir() error = %v, want ErrTimeout", err)
	}
}

func TestFreeSpace(t *testing.T) {
	tmpDir := t.TempDir()

	free, err := FreeSpace(context.Background(), tmpDir, time.Second)
	if err != nil {
		t.Fatalf("FreeSpace() error = %v", err)
	}
	if free == 0 {
		t.Errorf("FreeSpace() = 0, expected free space on %s", tmpDir)
	}
}

func TestFreeSpaceTimeout(t *testing.T) {
	originalStatfs := syscallStatfs
	defer func() { syscallStatfs = originalStatfs }()

	syscallStatfs = func(path string, stat *syscall.Statfs_t) error {
		time.Sleep(200 * time.Millisecond)
		return originalStatfs(path, stat)
	}

	_, err := FreeSpace(context.Background(), "/tmp", 10*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("FreeSpace() error = %v, want ErrTimeout", err)
	}
}
