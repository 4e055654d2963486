// Package backup copies profile file sets into backup directories,
// decides whether a new backup would be redundant, and archives backup
// directories into compressed files.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/TishSerg/browsession/internal/logging"
)

// ErrDestinationExists is returned when the backup destination already
// exists. The copy is aborted before touching anything.
var ErrDestinationExists = errors.New("backup destination already exists")

// tempSuffix marks in-flight browser files that are skipped during
// directory copies.
const tempSuffix = ".tmp"

// CopyFailure records one manifest entry (or file inside a manifest
// directory) that could not be copied.
type CopyFailure struct {
	Entry string
	Err   error
}

// CopyReport summarizes a profile copy. File-level problems degrade to
// Failures entries; they never abort the whole operation.
type CopyReport struct {
	Copied   []string
	Failures []CopyFailure
}

// Copier copies a declared set of profile files into backup directories.
type Copier struct {
	logger      *logging.Logger
	profilePath string
}

// NewCopier creates a copier rooted at the profile directory.
func NewCopier(logger *logging.Logger, profilePath string) *Copier {
	return &Copier{
		logger:      logger,
		profilePath: profilePath,
	}
}

// CopyProfile copies every manifest entry into destination. The
// destination must not exist yet; if it does, ErrDestinationExists is
// returned and nothing is copied. Once the destination directory is
// created, per-entry errors are recorded in the report and copying
// continues with the remaining entries.
func (c *Copier) CopyProfile(ctx context.Context, destination string, manifest []string) (*CopyReport, error) {
	if err := os.Mkdir(destination, 0755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrDestinationExists, destination)
		}
		return nil, fmt.Errorf("create backup directory: %w", err)
	}

	report := &CopyReport{}
	for _, name := range manifest {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		source := filepath.Join(c.profilePath, name)
		info, err := os.Lstat(source)
		if err != nil {
			c.recordFailure(report, name, err)
			continue
		}

		if info.IsDir() {
			c.copyDir(ctx, report, source, filepath.Join(destination, filepath.Base(name)))
			continue
		}

		if err := copyFile(source, filepath.Join(destination, filepath.Base(name)), info); err != nil {
			c.recordFailure(report, name, err)
			continue
		}
		report.Copied = append(report.Copied, name)
		c.logger.Debug("Copied %q", source)
	}

	c.logger.Info("Profile copied: %q (%d entries, %d failures)",
		destination, len(report.Copied), len(report.Failures))
	return report, nil
}

// copyDir deep-copies a directory preserving symbolic links and
// skipping temp-suffixed files. Failures are recorded per file.
func (c *Copier) copyDir(ctx context.Context, report *CopyReport, source, destination string) {
	copied := 0
	walkErr := filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			c.recordFailure(report, relEntry(c.profilePath, path), err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(destination, mustRel(source, path))
		switch {
		case d.IsDir():
			if err := os.MkdirAll(target, 0755); err != nil {
				c.recordFailure(report, relEntry(c.profilePath, path), err)
				return filepath.SkipDir
			}
		case d.Type()&fs.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err == nil {
				err = os.Symlink(linkTarget, target)
			}
			if err != nil {
				c.recordFailure(report, relEntry(c.profilePath, path), err)
			}
		case d.Type().IsRegular():
			if strings.HasSuffix(d.Name(), tempSuffix) {
				return nil
			}
			info, err := d.Info()
			if err == nil {
				err = copyFile(path, target, info)
			}
			if err != nil {
				c.recordFailure(report, relEntry(c.profilePath, path), err)
				return nil
			}
			copied++
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, context.Canceled) {
		c.recordFailure(report, relEntry(c.profilePath, source), walkErr)
		return
	}

	report.Copied = append(report.Copied, relEntry(c.profilePath, source))
	c.logger.Debug("Copied directory %q (%d files)", source, copied)
}

func (c *Copier) recordFailure(report *CopyReport, entry string, err error) {
	report.Failures = append(report.Failures, CopyFailure{Entry: entry, Err: err})
	switch {
	case errors.Is(err, fs.ErrPermission):
		c.logger.Warning("No access to %q", entry)
	case errors.Is(err, fs.ErrNotExist):
		c.logger.Warning("No such file or directory %q", entry)
	default:
		c.logger.Warning("Failed to copy %q: %v", entry, err)
	}
}

// copyFile copies a regular file preserving mode and modification time.
func copyFile(source, destination string, info fs.FileInfo) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(destination, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	return os.Chtimes(destination, info.ModTime(), info.ModTime())
}

func mustRel(base, path string) string {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return filepath.Base(path)
	}
	return rel
}

func relEntry(profile, path string) string {
	rel, err := filepath.Rel(profile, path)
	if err != nil {
		return path
	}
	return rel
}
