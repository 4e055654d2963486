package backup

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"filippo.io/age"

	"github.com/TishSerg/browsession/internal/logging"
	"github.com/TishSerg/browsession/internal/types"
)

var lookPath = exec.LookPath

// ArchiverDeps groups external dependencies used by Archiver.
type ArchiverDeps struct {
	LookPath       func(string) (string, error)
	CommandContext func(context.Context, string, ...string) *exec.Cmd
}

func defaultArchiverDeps() ArchiverDeps {
	return ArchiverDeps{
		LookPath:       lookPath,
		CommandContext: exec.CommandContext,
	}
}

// Archiver turns backup directories into compressed tar archives.
type Archiver struct {
	logger               *logging.Logger
	compression          types.CompressionType
	compressionLevel     int
	dryRun               bool
	requestedCompression types.CompressionType
	encryptArchive       bool
	ageRecipients        []age.Recipient
	deps                 ArchiverDeps
}

// ArchiverConfig holds configuration for archive creation.
type ArchiverConfig struct {
	Compression      types.CompressionType
	CompressionLevel int // 1-9 for gzip, 0-9 for xz, 1-22 for zstd
	DryRun           bool
	EncryptArchive   bool
	AgeRecipients    []age.Recipient
}

// CompressionError represents an external compression command failure (xz/zstd).
type CompressionError struct {
	Algorithm string
	Err       error
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("%s compression failed: %v", e.Algorithm, e.Err)
}

func (e *CompressionError) Unwrap() error {
	return e.Err
}

// NewArchiver creates a new archiver.
func NewArchiver(logger *logging.Logger, config *ArchiverConfig) *Archiver {
	return &Archiver{
		logger:               logger,
		compression:          config.Compression,
		compressionLevel:     normalizeLevelForCompression(config.Compression, config.CompressionLevel),
		dryRun:               config.DryRun,
		requestedCompression: config.Compression,
		encryptArchive:       config.EncryptArchive,
		ageRecipients:        append([]age.Recipient(nil), config.AgeRecipients...),
		deps:                 defaultArchiverDeps(),
	}
}

func (a *Archiver) cmd(ctx context.Context, name string, args ...string) *exec.Cmd {
	if a.deps.CommandContext != nil {
		return a.deps.CommandContext(ctx, name, args...)
	}
	return exec.CommandContext(ctx, name, args...)
}

func (a *Archiver) findPath(name string) (string, error) {
	if a.deps.LookPath != nil {
		return a.deps.LookPath(name)
	}
	return exec.LookPath(name)
}

// ResolveCompression ensures the configured compression is available
// and normalizes the level. If the requested algorithm's external
// command is unavailable it falls back to gzip, keeping the caller
// informed via logs.
func (a *Archiver) ResolveCompression() types.CompressionType {
	switch a.compression {
	case types.CompressionXZ:
		if _, err := a.findPath("xz"); err != nil {
			a.logger.Warning("xz command not available: %v", err)
			a.compression = types.CompressionGzip
			a.compressionLevel = normalizeLevelForCompression(a.compression, a.compressionLevel)
		}
	case types.CompressionZstd:
		if _, err := a.findPath("zstd"); err != nil {
			a.logger.Warning("zstd command not available: %v", err)
			a.compression = types.CompressionGzip
			a.compressionLevel = normalizeLevelForCompression(a.compression, a.compressionLevel)
		}
	case types.CompressionGzip, types.CompressionNone:
	default:
		a.logger.Warning("Unknown compression type %s, using gzip fallback", a.compression)
		a.compression = types.CompressionGzip
		a.compressionLevel = normalizeLevelForCompression(a.compression, a.compressionLevel)
	}
	return a.compression
}

func normalizeLevelForCompression(comp types.CompressionType, level int) int {
	switch comp {
	case types.CompressionGzip:
		if level < 1 || level > 9 {
			return 6
		}
	case types.CompressionXZ:
		if level < 0 || level > 9 {
			return 6
		}
	case types.CompressionZstd:
		if level < 1 || level > 22 {
			return 6
		}
	case types.CompressionNone:
		return 0
	default:
		return 6
	}
	return level
}

// GetArchiveExtension returns the file extension for the configured
// compression (plus ".age" when encryption is enabled).
func (a *Archiver) GetArchiveExtension() string {
	var ext string
	switch a.compression {
	case types.CompressionGzip:
		ext = ".tar.gz"
	case types.CompressionXZ:
		ext = ".tar.xz"
	case types.CompressionZstd:
		ext = ".tar.zst"
	default:
		ext = ".tar"
	}
	if a.encryptArchive {
		ext += ".age"
	}
	return ext
}

func (a *Archiver) wrapEncryptionWriter(base io.Writer) (io.Writer, func() error, error) {
	if !a.encryptArchive {
		return base, func() error { return nil }, nil
	}

	recipients := a.ageRecipients
	if len(recipients) == 0 {
		return nil, nil, fmt.Errorf("encryption enabled but no age recipients configured")
	}

	writer, err := age.Encrypt(base, recipients...)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize age encryption: %w", err)
	}

	a.logger.Debug("Encrypting archive via age (streaming)")
	return writer, writer.Close, nil
}

// CreateArchive creates a compressed tar archive from a directory.
func (a *Archiver) CreateArchive(ctx context.Context, sourceDir, outputPath string) error {
	actualCompression := a.ResolveCompression()
	if a.requestedCompression != actualCompression {
		a.logger.Warning("Requested compression %s unavailable, using %s instead",
			a.requestedCompression, actualCompression)
	}

	a.logger.Debug("Creating archive: %s -> %s (compression: %s, level %d)",
		sourceDir, outputPath, actualCompression, a.compressionLevel)

	if a.dryRun {
		a.logger.Info("[DRY RUN] Would create archive: %s", outputPath)
		return nil
	}

	var err error
	switch actualCompression {
	case types.CompressionGzip:
		err = a.createGzipArchive(ctx, sourceDir, outputPath)
	case types.CompressionXZ:
		err = a.createCommandArchive(ctx, sourceDir, outputPath, "xz",
			fmt.Sprintf("-%d", a.compressionLevel), "-T0", "-c")
	case types.CompressionZstd:
		err = a.createCommandArchive(ctx, sourceDir, outputPath, "zstd",
			fmt.Sprintf("-%d", a.compressionLevel), "-T0", "-q", "-c")
	case types.CompressionNone:
		err = a.createTarArchive(ctx, sourceDir, outputPath)
	default:
		err = fmt.Errorf("unsupported compression type: %s", actualCompression)
	}

	// A partial archive must not survive a failure: later retention
	// scans would count it as a backup.
	if err != nil {
		if rmErr := os.Remove(outputPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			a.logger.Warning("Failed to remove partial archive %s: %v", outputPath, rmErr)
		}
		return err
	}
	return nil
}

// createGzipArchive creates a gzip-compressed tar archive using Go's stdlib.
// Close errors are not discarded: with a small backup the flate writer
// buffers the whole stream and only writes it at Close, so an ENOSPC
// surfaces there and nowhere else.
func (a *Archiver) createGzipArchive(ctx context.Context, sourceDir, outputPath string) error {
	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	writer, finalizeEncryption, err := a.wrapEncryptionWriter(outFile)
	if err != nil {
		outFile.Close()
		return err
	}

	gzWriter, err := gzip.NewWriterLevel(writer, a.compressionLevel)
	if err != nil {
		outFile.Close()
		return fmt.Errorf("failed to create gzip writer: %w", err)
	}

	tarErr := a.writeTar(ctx, sourceDir, gzWriter)
	gzErr := gzWriter.Close()
	encErr := finalizeEncryption()
	closeErr := outFile.Close()

	switch {
	case tarErr != nil:
		return fmt.Errorf("failed to write tar stream: %w", tarErr)
	case gzErr != nil:
		return fmt.Errorf("failed to flush gzip stream: %w", gzErr)
	case encErr != nil:
		return fmt.Errorf("finalize encrypted archive: %w", encErr)
	case closeErr != nil:
		return fmt.Errorf("failed to close archive: %w", closeErr)
	}
	return nil
}

// createTarArchive creates an uncompressed tar archive.
func (a *Archiver) createTarArchive(ctx context.Context, sourceDir, outputPath string) error {
	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	writer, finalizeEncryption, err := a.wrapEncryptionWriter(outFile)
	if err != nil {
		outFile.Close()
		return err
	}

	tarErr := a.writeTar(ctx, sourceDir, writer)
	encErr := finalizeEncryption()
	closeErr := outFile.Close()

	switch {
	case tarErr != nil:
		return fmt.Errorf("failed to write tar archive: %w", tarErr)
	case encErr != nil:
		return fmt.Errorf("finalize encrypted archive: %w", encErr)
	case closeErr != nil:
		return fmt.Errorf("failed to close archive: %w", closeErr)
	}
	return nil
}

// createCommandArchive pipes the tar stream through an external
// compression command (xz/zstd).
func (a *Archiver) createCommandArchive(ctx context.Context, sourceDir, outputPath, algo string, args ...string) error {
	cmd := a.cmd(ctx, algo, args...)

	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	pr, pw := io.Pipe()
	cmd.Stdin = pr
	writer, finalizeEncryption, err := a.wrapEncryptionWriter(outFile)
	if err != nil {
		outFile.Close()
		return err
	}
	// Close errors carry the real failure when the filesystem runs out
	// of space, so they must win over a nil pipeline result.
	finish := func(primary error) error {
		encErr := finalizeEncryption()
		closeErr := outFile.Close()
		switch {
		case primary != nil:
			return primary
		case encErr != nil:
			return fmt.Errorf("finalize encrypted archive: %w", encErr)
		case closeErr != nil:
			return fmt.Errorf("failed to close archive: %w", closeErr)
		}
		return nil
	}
	cmd.Stdout = writer
	if err := a.attachStderrLogger(cmd, algo); err != nil {
		return finish(fmt.Errorf("capture %s output: %w", algo, err))
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		if err := a.writeTar(ctx, sourceDir, pw); err != nil {
			pw.CloseWithError(err)
			errChan <- err
			return
		}
		pw.Close()
		errChan <- nil
	}()

	if err := cmd.Start(); err != nil {
		pw.Close()
		if startErr := <-errChan; startErr != nil {
			return finish(startErr)
		}
		return finish(fmt.Errorf("failed to start %s: %w", algo, err))
	}

	if tarErr := <-errChan; tarErr != nil {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
		return finish(tarErr)
	}

	if err := cmd.Wait(); err != nil {
		return finish(&CompressionError{Algorithm: algo, Err: err})
	}

	if err := finish(nil); err != nil {
		return err
	}
	a.logger.Debug("%s compression completed successfully", strings.ToUpper(algo))
	return nil
}

func (a *Archiver) attachStderrLogger(cmd *exec.Cmd, algo string) error {
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	tag := strings.ToUpper(algo)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			a.logger.Info("[%s] %s", tag, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			a.logger.Debug("[%s] stderr read error: %v", tag, err)
		}
	}()

	return nil
}

// writeTar writes the directory contents to the provided writer as a tar archive.
func (a *Archiver) writeTar(ctx context.Context, sourceDir string, w io.Writer) error {
	tarWriter := tar.NewWriter(w)
	err := a.addToTar(ctx, tarWriter, sourceDir)
	if closeErr := tarWriter.Close(); err == nil {
		err = closeErr
	}
	return err
}

// addToTar recursively adds files and directories to a tar archive.
// Preserves symlinks instead of following them.
func (a *Archiver) addToTar(ctx context.Context, tarWriter *tar.Writer, sourceDir string) error {
	return filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			a.logger.Warning("Error accessing path %s: %v", path, err)
			return nil // Continue with other files
		}

		relPath, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		// Use Lstat to get symlink info without following it.
		linkInfo, err := os.Lstat(path)
		if err != nil {
			a.logger.Warning("Failed to stat path %s: %v", path, err)
			return nil
		}

		var linkTarget string
		if linkInfo.Mode()&os.ModeSymlink != 0 {
			linkTarget, err = os.Readlink(path)
			if err != nil {
				a.logger.Warning("Failed to read symlink %s: %v", path, err)
				return nil
			}
		}

		header, err := tar.FileInfoHeader(linkInfo, linkTarget)
		if err != nil {
			a.logger.Warning("Failed to create header for %s: %v", path, err)
			return nil
		}

		if stat, ok := linkInfo.Sys().(*syscall.Stat_t); ok {
			header.Uid = int(stat.Uid)
			header.Gid = int(stat.Gid)
			header.ModTime = time.Unix(stat.Mtim.Sec, stat.Mtim.Nsec)
		}

		// PAX supports the extended timestamps USTAR does not.
		header.Format = tar.FormatPAX

		name := strings.ReplaceAll(relPath, string(filepath.Separator), "/")
		if !strings.HasPrefix(name, "./") && !strings.HasPrefix(name, "../") {
			name = "./" + name
		}
		header.Name = name

		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header: %w", err)
		}

		if linkInfo.Mode().IsRegular() {
			file, err := os.Open(path)
			if err != nil {
				a.logger.Warning("Failed to open file %s: %v", path, err)
				return nil
			}
			defer file.Close()

			if _, err := io.Copy(tarWriter, file); err != nil {
				a.logger.Warning("Failed to write file %s to archive: %v", path, err)
				return nil
			}
		}

		return nil
	})
}

// VerifyArchive performs basic verification of the created archive.
func (a *Archiver) VerifyArchive(archivePath string) error {
	if a.dryRun {
		a.logger.Info("[DRY RUN] Would verify archive: %s", archivePath)
		return nil
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("archive not found: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("archive is empty")
	}

	a.logger.Debug("Archive size: %d bytes", info.Size())
	return nil
}
