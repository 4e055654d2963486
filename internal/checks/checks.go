// Package checks performs startup validation: the profile must be
// readable and the backup root writable before any watcher starts.
package checks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/TishSerg/browsession/internal/logging"
	"github.com/TishSerg/browsession/internal/safefs"
	"github.com/TishSerg/browsession/pkg/utils"
)

// createTestFile is a small indirection over os.Create used by the
// permission check to allow tests to inject controlled failures.
var (
	createTestFile = os.Create
	osRemove       = os.Remove
)

const freeSpaceTimeout = 10 * time.Second

// Checker performs pre-flight validation checks
type Checker struct {
	logger      *logging.Logger
	profilePath string
	backupRoot  string
}

// NewChecker creates a checker for the given profile and backup root.
func NewChecker(logger *logging.Logger, profilePath, backupRoot string) *Checker {
	return &Checker{
		logger:      logger,
		profilePath: profilePath,
		backupRoot:  backupRoot,
	}
}

// Run executes all pre-flight checks. The free-space report is
// informational only; the emergency watcher owns the actual threshold.
func (c *Checker) Run(ctx context.Context) error {
	if err := c.checkProfileReadable(ctx); err != nil {
		return err
	}
	if err := c.checkBackupRootWritable(); err != nil {
		return err
	}
	c.reportFreeSpace(ctx)
	return nil
}

func (c *Checker) checkProfileReadable(ctx context.Context) error {
	info, err := safefs.Stat(ctx, c.profilePath, freeSpaceTimeout)
	if err != nil {
		return fmt.Errorf("browser profile %s is not accessible: %w", c.profilePath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("browser profile %s is not a directory", c.profilePath)
	}
	if _, err := safefs.ReadDir(ctx, c.profilePath, freeSpaceTimeout); err != nil {
		return fmt.Errorf("browser profile %s is not readable: %w", c.profilePath, err)
	}
	c.logger.Debug("Profile directory check passed: %s", c.profilePath)
	return nil
}

func (c *Checker) checkBackupRootWritable() error {
	if err := utils.EnsureDir(c.backupRoot); err != nil {
		return fmt.Errorf("cannot create backup root %s: %w", c.backupRoot, err)
	}

	probePath := filepath.Join(c.backupRoot, ".browsession-write-check")
	f, err := createTestFile(probePath)
	if err != nil {
		return fmt.Errorf("backup root %s is not writable: %w", c.backupRoot, err)
	}
	f.Close()
	if err := osRemove(probePath); err != nil {
		c.logger.Warning("Cannot remove write-check file %s: %v", probePath, err)
	}
	c.logger.Debug("Backup root check passed: %s", c.backupRoot)
	return nil
}

func (c *Checker) reportFreeSpace(ctx context.Context) {
	free, err := safefs.FreeSpace(ctx, c.profilePath, freeSpaceTimeout)
	if err != nil {
		c.logger.Warning("Cannot read free space on profile drive: %v", err)
		return
	}
	c.logger.Info("Profile drive free space: %s", utils.FormatBytes(int64(free)))
}
