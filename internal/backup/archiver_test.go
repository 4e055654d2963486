package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/TishSerg/browsession/internal/types"
)

func newTestArchiver(t *testing.T, comp types.CompressionType) *Archiver {
	t.Helper()
	return NewArchiver(newTestLogger(), &ArchiverConfig{
		Compression:      comp,
		CompressionLevel: 6,
	})
}

func TestGetArchiveExtension(t *testing.T) {
	tests := []struct {
		comp    types.CompressionType
		encrypt bool
		want    string
	}{
		{types.CompressionGzip, false, ".tar.gz"},
		{types.CompressionXZ, false, ".tar.xz"},
		{types.CompressionZstd, false, ".tar.zst"},
		{types.CompressionNone, false, ".tar"},
		{types.CompressionGzip, true, ".tar.gz.age"},
	}

	for _, tt := range tests {
		a := NewArchiver(newTestLogger(), &ArchiverConfig{
			Compression:    tt.comp,
			EncryptArchive: tt.encrypt,
		})
		if got := a.GetArchiveExtension(); got != tt.want {
			t.Errorf("extension for %s (encrypt=%v) = %q, want %q",
				tt.comp, tt.encrypt, got, tt.want)
		}
	}
}

func TestResolveCompressionFallback(t *testing.T) {
	a := newTestArchiver(t, types.CompressionXZ)
	a.deps.LookPath = func(string) (string, error) {
		return "", errors.New("not found")
	}

	if got := a.ResolveCompression(); got != types.CompressionGzip {
		t.Errorf("ResolveCompression = %s, want gzip fallback", got)
	}
}

func TestResolveCompressionKeepsGzip(t *testing.T) {
	a := newTestArchiver(t, types.CompressionGzip)
	a.deps.LookPath = func(string) (string, error) {
		return "", errors.New("not found")
	}

	if got := a.ResolveCompression(); got != types.CompressionGzip {
		t.Errorf("ResolveCompression = %s, want gzip", got)
	}
}

func TestCreateGzipArchiveRoundTrip(t *testing.T) {
	source := t.TempDir()
	out := t.TempDir()
	writeFile(t, filepath.Join(source, "History"), "history bytes")
	writeFile(t, filepath.Join(source, "Sessions", "Session_1"), "session bytes")

	a := newTestArchiver(t, types.CompressionGzip)
	archivePath := filepath.Join(out, "backup.tar.gz")
	if err := a.CreateArchive(context.Background(), source, archivePath); err != nil {
		t.Fatalf("CreateArchive failed: %v", err)
	}
	if err := a.VerifyArchive(archivePath); err != nil {
		t.Fatalf("VerifyArchive failed: %v", err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("archive is not valid gzip: %v", err)
	}
	defer gz.Close()

	found := map[string]string{}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar read: %v", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		found[strings.TrimPrefix(hdr.Name, "./")] = string(data)
	}

	if found["History"] != "history bytes" {
		t.Errorf("History content = %q", found["History"])
	}
	if found["Sessions/Session_1"] != "session bytes" {
		t.Errorf("Session_1 content = %q", found["Sessions/Session_1"])
	}
}

func TestCreateArchiveDryRun(t *testing.T) {
	source := t.TempDir()
	out := t.TempDir()
	writeFile(t, filepath.Join(source, "History"), "data")

	a := NewArchiver(newTestLogger(), &ArchiverConfig{
		Compression:      types.CompressionGzip,
		CompressionLevel: 6,
		DryRun:           true,
	})

	archivePath := filepath.Join(out, "backup.tar.gz")
	if err := a.CreateArchive(context.Background(), source, archivePath); err != nil {
		t.Fatalf("dry run archive failed: %v", err)
	}
	if _, err := os.Stat(archivePath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("dry run created an archive, stat err = %v", err)
	}
}

func TestCreateArchiveFailureRemovesPartialFile(t *testing.T) {
	source := t.TempDir()
	out := t.TempDir()
	writeFile(t, filepath.Join(source, "History"), "data")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := newTestArchiver(t, types.CompressionGzip)
	archivePath := filepath.Join(out, "backup.tar.gz")
	if err := a.CreateArchive(ctx, source, archivePath); err == nil {
		t.Fatal("CreateArchive succeeded with cancelled context")
	}
	if _, err := os.Stat(archivePath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("partial archive left behind, stat err = %v", err)
	}
}

func TestVerifyArchiveRejectsEmptyFile(t *testing.T) {
	out := t.TempDir()
	archivePath := filepath.Join(out, "backup.tar.gz")
	writeFile(t, archivePath, "")

	a := newTestArchiver(t, types.CompressionGzip)
	if err := a.VerifyArchive(archivePath); err == nil {
		t.Error("VerifyArchive accepted an empty archive")
	}
	if err := a.VerifyArchive(filepath.Join(out, "missing.tar.gz")); err == nil {
		t.Error("VerifyArchive accepted a missing archive")
	}
}

func TestCompressionLevelNormalized(t *testing.T) {
	a := NewArchiver(newTestLogger(), &ArchiverConfig{
		Compression:      types.CompressionGzip,
		CompressionLevel: 42,
	})
	if a.compressionLevel != 6 {
		t.Errorf("out-of-range gzip level normalized to %d, want 6", a.compressionLevel)
	}
}
