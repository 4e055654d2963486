// Package orchestrator ties the probe, copier, archiver and storage
// manager together: it decides when a backup happens and runs the two
// polling loops that keep the agent on duty.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/TishSerg/browsession/internal/backup"
	"github.com/TishSerg/browsession/internal/config"
	"github.com/TishSerg/browsession/internal/logging"
	"github.com/TishSerg/browsession/internal/safefs"
	"github.com/TishSerg/browsession/internal/storage"
	"github.com/TishSerg/browsession/internal/types"
	"github.com/TishSerg/browsession/pkg/utils"
)

const freeSpaceTimeout = 10 * time.Second

// ActivityProbe reports whether the browser currently uses the profile.
type ActivityProbe interface {
	IsActive(ctx context.Context) (bool, error)
}

// Orchestrator drives the backup lifecycle. A single mutex serializes
// every backup so the edge-triggered watcher, the emergency watcher
// and manual requests never copy the profile concurrently.
type Orchestrator struct {
	logger *logging.Logger
	policy *config.Policy
	probe  ActivityProbe
	copier *backup.Copier
	store  *storage.Manager

	backupMu sync.Mutex

	// Injectable for tests.
	now       func() time.Time
	freeSpace func(ctx context.Context, path string) (uint64, error)
	sleep     func(ctx context.Context, d time.Duration) error
}

// New creates an orchestrator over the given components.
func New(logger *logging.Logger, policy *config.Policy, probe ActivityProbe,
	copier *backup.Copier, store *storage.Manager) *Orchestrator {
	return &Orchestrator{
		logger: logger,
		policy: policy,
		probe:  probe,
		copier: copier,
		store:  store,
		now:    time.Now,
		freeSpace: func(ctx context.Context, path string) (uint64, error) {
			return safefs.FreeSpace(ctx, path, freeSpaceTimeout)
		},
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isActive wraps the probe with the recoverable-error policy: a probe
// failure is logged and the browser is assumed active, so no backup is
// taken from a state we could not verify.
func (o *Orchestrator) isActive(ctx context.Context) bool {
	active, err := o.probe.IsActive(ctx)
	if err != nil {
		o.logger.Warning("Activity detection failed, assuming browser is running: %v", err)
		return true
	}
	return active
}

// Startup prepares the backup root and takes an initial backup when
// the browser is not running.
func (o *Orchestrator) Startup(ctx context.Context) error {
	if err := utils.EnsureDir(o.store.Root()); err != nil {
		return fmt.Errorf("failed to prepare backup root: %w", err)
	}

	o.logProfileName()

	if o.isActive(ctx) {
		o.logger.Info("Browser is running at startup. Backup is skipped.")
		return nil
	}

	o.logger.Info("Browser is not running at startup. Making a backup...")
	if err := o.MakeBackup(ctx, types.BackupFull); err != nil {
		o.logger.Error("Startup backup failed: %v", err)
	}
	return nil
}

// logProfileName reads the profile display name from the Chromium
// Preferences file, when one exists. Purely informational.
func (o *Orchestrator) logProfileName() {
	raw, err := os.ReadFile(filepath.Join(o.policy.ProfilePath, "Preferences"))
	if err != nil {
		return
	}
	if name := gjson.GetBytes(raw, "profile.name"); name.Exists() {
		o.logger.Info("Watching profile %q at %s", name.String(), o.policy.ProfilePath)
	}
}

// MakeBackup takes one backup of the given kind under the orchestrator
// lock. The backup is skipped when the profile is unchanged against the
// latest comparable backup. Full backups additionally run the
// compression and pruning retention passes.
func (o *Orchestrator) MakeBackup(ctx context.Context, kind types.BackupKind) error {
	o.backupMu.Lock()
	defer o.backupMu.Unlock()

	emergency := kind == types.BackupEmergency
	tag := o.policy.FullTag
	manifest := append(append([]string(nil), o.policy.MainFiles...), o.policy.ExtraFiles...)
	if emergency {
		tag = o.policy.EmergencyTag
		manifest = o.policy.MainFiles
	}

	// A regular backup only competes with other regular backups, an
	// emergency one with whatever came last.
	latest, err := o.store.Latest(ctx, emergency)
	if err != nil {
		return err
	}
	if latest != nil && !backup.HasChanged(o.policy.ProfilePath, latest.Path, manifest) {
		o.logger.Info("Profile files are not changed since %q. Skipping %s backup.", latest.Name, tag)
		return nil
	}

	name := fmt.Sprintf("%s (%s)", o.now().Format(o.policy.DatetimeFormat), tag)
	destination := filepath.Join(o.store.Root(), name)

	if o.policy.DryRun {
		o.logger.Info("[DRY RUN] Would make %s backup: %s", tag, name)
		return nil
	}

	o.logger.Info("Making %s backup: %s", tag, name)
	report, err := o.copier.CopyProfile(ctx, destination, manifest)
	if err != nil {
		if errors.Is(err, backup.ErrDestinationExists) {
			return fmt.Errorf("backup %q: %w", name, err)
		}
		return fmt.Errorf("failed to copy profile into %q: %w", name, err)
	}
	if n := len(report.Failures); n > 0 {
		o.logger.Warning("Backup %q finished with %d entries skipped", name, n)
	}

	if emergency {
		return nil
	}

	if err := o.store.CompressPass(ctx,
		o.policy.NoncompressedFullBackupsLimit, o.policy.NoncompressedBackupsLimit); err != nil {
		o.logger.Error("Compression pass failed: %v", err)
	}
	if err := o.store.PrunePass(ctx,
		o.policy.FullBackupsStoreLimit, o.policy.EmergencyBackupsStoreLimit); err != nil {
		o.logger.Error("Prune pass failed: %v", err)
	}
	return nil
}

// ActivityWatcher polls the probe and takes a backup on every
// active-to-inactive transition. Blocks until ctx is cancelled.
func (o *Orchestrator) ActivityWatcher(ctx context.Context) error {
	haveBeenRunning := o.isActive(ctx)
	for {
		if err := o.sleep(ctx, o.policy.PollInterval); err != nil {
			return err
		}
		if o.isActive(ctx) {
			if !haveBeenRunning {
				o.logger.Info("Browser just launched.")
				haveBeenRunning = true
			}
		} else {
			if haveBeenRunning {
				o.logger.Info("Browser just shutdown. Making a backup...")
				haveBeenRunning = false
				if err := o.MakeBackup(ctx, types.BackupFull); err != nil {
					o.logger.Error("Backup after browser shutdown failed: %v", err)
				}
			}
		}
	}
}

// EmergencyWatcher polls free space on the profile drive while the
// browser is running and takes a minimal emergency backup when it
// drops below the trigger, then rests for the configured cooldown.
// Blocks until ctx is cancelled.
func (o *Orchestrator) EmergencyWatcher(ctx context.Context) error {
	for {
		if err := o.sleep(ctx, o.policy.EmergencyPollInterval); err != nil {
			return err
		}
		if !o.isActive(ctx) {
			continue
		}

		free, err := o.freeSpace(ctx, o.policy.ProfilePath)
		if err != nil {
			o.logger.Warning("Cannot check free space on profile drive: %v", err)
			continue
		}
		if free >= uint64(o.policy.FreeSpaceTrigger) {
			continue
		}

		o.logger.Warning("Browser profile drive free space is running out! (%s remaining) Making emergency backup...",
			utils.FormatBytes(int64(free)))
		if err := o.MakeBackup(ctx, types.BackupEmergency); err != nil {
			o.logger.Error("Emergency backup failed: %v", err)
		}
		if err := o.sleep(ctx, o.policy.EmergencyCooldown); err != nil {
			return err
		}
	}
}
