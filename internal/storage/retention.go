package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/TishSerg/browsession/internal/types"
	"github.com/TishSerg/browsession/pkg/utils"
)

// CompressPass archives uncompressed backup directories, keeping the
// newest skipFull regular directories and the newest skipEmergency
// emergency directories uncompressed. Each archived directory is
// removed after its archive is written; the archive inherits the
// directory's mod time so that ordering survives compression. Failures
// are logged per entry and do not stop the pass.
func (m *Manager) CompressPass(ctx context.Context, skipFull, skipEmergency int) error {
	entries, err := m.Scan(ctx)
	if err != nil {
		return err
	}

	skippedFull := 0
	skippedEmergency := 0
	for i := range entries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		entry := &entries[i]
		if !entry.IsDir {
			continue
		}
		if entry.Emergency {
			if skippedEmergency < skipEmergency {
				skippedEmergency++
				continue
			}
		} else {
			if skippedFull < skipFull {
				skippedFull++
				continue
			}
		}

		if err := m.archiveEntry(ctx, entry); err != nil {
			m.logger.Warning("Failed to archive backup %s: %v", entry.Name, err)
		}
	}
	return nil
}

// archiveEntry compresses one backup directory into an archive next to
// it, transfers the directory's mod time onto the archive and removes
// the directory.
func (m *Manager) archiveEntry(ctx context.Context, entry *types.BackupEntry) error {
	archivePath := entry.Path + m.archiver.GetArchiveExtension()
	m.logger.Info("Archiving %q...", entry.Name)

	if err := m.archiver.CreateArchive(ctx, entry.Path, archivePath); err != nil {
		return err
	}

	if m.dryRun {
		m.logger.Info("[DRY RUN] Would remove uncompressed %q", entry.Name)
		return nil
	}

	// The directory is the only copy of this backup. It goes away only
	// once the archive checks out.
	if err := m.archiver.VerifyArchive(archivePath); err != nil {
		if rmErr := os.Remove(archivePath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			m.logger.Warning("Failed to remove unverified archive %s: %v", archivePath, rmErr)
		}
		return fmt.Errorf("archive verification failed: %w", err)
	}

	// The archive must sort where the directory did.
	if err := os.Chtimes(archivePath, entry.ModTime, entry.ModTime); err != nil {
		m.logger.Warning("Failed to set archive time on %s: %v", archivePath, err)
	}

	if size, sizeErr := utils.GetFileSize(archivePath); sizeErr == nil {
		m.logger.Info("Archiving done: %q (%s)", archivePath, utils.FormatBytes(size))
	} else {
		m.logger.Info("Archiving done: %q", archivePath)
	}
	m.logger.Info("Removing uncompressed %q...", entry.Name)
	if err := os.RemoveAll(entry.Path); err != nil {
		return err
	}
	m.logger.Debug("Removed %q", entry.Path)
	return nil
}

// PrunePass deletes backups beyond the retention window. Entries are
// walked newest first. The window is held open by the newest
// skipFullCount regular backups: while it is open, regular backups are
// always kept and emergency backups are kept only up to
// skipEmergencyLimit. Once skipFullCount regular backups have been
// seen, everything older is deleted regardless of kind. An emergency
// backup older than the last retained regular one is therefore never
// spared, even when the emergency budget still has room.
func (m *Manager) PrunePass(ctx context.Context, skipFullCount, skipEmergencyLimit int) error {
	entries, err := m.Scan(ctx)
	if err != nil {
		return err
	}

	skippedFull := 0
	skippedEmergency := 0
	for i := range entries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		entry := &entries[i]
		if skippedFull < skipFullCount {
			if entry.Emergency {
				if skippedEmergency < skipEmergencyLimit {
					skippedEmergency++
					continue
				}
				m.removeEntry(entry)
			} else {
				skippedFull++
			}
			continue
		}
		m.removeEntry(entry)
	}
	return nil
}

func (m *Manager) removeEntry(entry *types.BackupEntry) {
	if m.dryRun {
		m.logger.Info("[DRY RUN] Would remove old backup: %s", entry.Name)
		return
	}

	m.logger.Info("Removing old backup: %s", entry.Name)
	var err error
	if entry.IsDir {
		err = os.RemoveAll(entry.Path)
	} else {
		err = os.Remove(entry.Path)
	}
	if err != nil {
		m.logger.Warning("Failed to remove backup %s: %v", entry.Name, err)
	}
}
