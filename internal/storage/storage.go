// Package storage manages the backup root directory: discovering
// existing backups and applying the compression and pruning retention
// passes. The directory itself is the source of truth; every pass
// re-scans it instead of keeping an index.
package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/TishSerg/browsession/internal/logging"
	"github.com/TishSerg/browsession/internal/safefs"
	"github.com/TishSerg/browsession/internal/types"
)

const defaultFSTimeout = 10 * time.Second

// Archiver is the subset of the backup archiver the retention passes need.
type Archiver interface {
	CreateArchive(ctx context.Context, sourceDir, outputPath string) error
	VerifyArchive(archivePath string) error
	GetArchiveExtension() string
}

// Manager owns the backup root directory.
type Manager struct {
	logger       *logging.Logger
	root         string
	emergencyTag string
	archiver     Archiver
	dryRun       bool
	fsTimeout    time.Duration
}

// NewManager creates a storage manager for the given backup root.
func NewManager(logger *logging.Logger, root, emergencyTag string, archiver Archiver, dryRun bool) *Manager {
	return &Manager{
		logger:       logger,
		root:         root,
		emergencyTag: emergencyTag,
		archiver:     archiver,
		dryRun:       dryRun,
		fsTimeout:    defaultFSTimeout,
	}
}

// Root returns the backup root path.
func (m *Manager) Root() string {
	return m.root
}

// Scan lists all entries under the backup root, newest first. Both
// uncompressed directories and finished archives are returned; every
// retention pass works from a fresh scan.
func (m *Manager) Scan(ctx context.Context) ([]types.BackupEntry, error) {
	dirEntries, err := safefs.ReadDir(ctx, m.root, m.fsTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to scan backup root %s: %w", m.root, err)
	}

	entries := make([]types.BackupEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			m.logger.Warning("Cannot stat backup entry %s: %v", de.Name(), err)
			continue
		}
		entries = append(entries, types.BackupEntry{
			Name:      de.Name(),
			Path:      filepath.Join(m.root, de.Name()),
			IsDir:     de.IsDir(),
			ModTime:   info.ModTime(),
			Emergency: strings.Contains(de.Name(), "("+m.emergencyTag+")"),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ModTime.After(entries[j].ModTime)
	})
	return entries, nil
}

// Latest returns the newest uncompressed backup directory, or nil when
// none exists. Emergency backups are excluded unless includeEmergency
// is set; an emergency backup is judged against any previous backup
// while a regular one only competes with other regular ones.
func (m *Manager) Latest(ctx context.Context, includeEmergency bool) (*types.BackupEntry, error) {
	entries, err := m.Scan(ctx)
	if err != nil {
		return nil, err
	}

	for i := range entries {
		e := &entries[i]
		if !e.IsDir {
			continue
		}
		if e.Emergency && !includeEmergency {
			continue
		}
		return e, nil
	}
	return nil, nil
}
