// Package probe answers whether a browser profile is currently in use,
// using a configuration-selected detection strategy.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/TishSerg/browsession/internal/config"
	"github.com/TishSerg/browsession/internal/safefs"
)

// openFile is an indirection over os.OpenFile so tests can inject
// permission failures for the lock-scan strategy.
var openFile = os.OpenFile

// ErrProbe marks recoverable probe failures: the activity state could
// not be determined this cycle. Callers should assume the profile is
// active (the safe default) or skip the cycle.
var ErrProbe = errors.New("activity probe failed")

// Strategy identifies one of the closed set of detection strategies.
type Strategy string

const (
	// StrategyChromium - a non-empty History-journal file signals activity.
	StrategyChromium Strategy = "chromium"

	// StrategyChromiumLockScan - any unreadable file under Sessions/
	// signals an exclusive lock. Only meaningful on platforms with
	// mandatory file locking.
	StrategyChromiumLockScan Strategy = "chromium-lockscan"

	// StrategyFirefox - the browser removes its session snapshot on
	// launch, so absence of the file signals activity.
	StrategyFirefox Strategy = "firefox"

	// StrategyLockFile - a named lock file exists in the profile root.
	StrategyLockFile Strategy = "lockfile"

	// StrategyLockGlob - any profile-root file matching a prefix/suffix
	// pattern exists.
	StrategyLockGlob Strategy = "lockglob"
)

// Historical tags from the two browser-specific ancestors of this
// program map onto the generic strategies.
var strategyAliases = map[string]Strategy{
	"chromium":          StrategyChromium,
	"chromium-win":      StrategyChromiumLockScan,
	"chromium-lockscan": StrategyChromiumLockScan,
	"firefox":           StrategyFirefox,
	"opera-win":         StrategyLockFile,
	"lockfile":          StrategyLockFile,
	"opera":             StrategyLockGlob,
	"lockglob":          StrategyLockGlob,
}

// ParseStrategy resolves a configuration tag to a Strategy. Unknown
// tags are a configuration error and must abort startup.
func ParseStrategy(tag string) (Strategy, error) {
	if s, ok := strategyAliases[strings.ToLower(strings.TrimSpace(tag))]; ok {
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown detection strategy %q", config.ErrConfiguration, tag)
}

// Probe checks profile activity with a fixed strategy.
type Probe struct {
	profilePath    string
	strategy       Strategy
	lockFileName   string
	lockGlobPrefix string
	lockGlobSuffix string
	fsTimeout      time.Duration
}

// defaultFSTimeout bounds each filesystem call so a stale mount cannot
// stall the watcher loops.
const defaultFSTimeout = 10 * time.Second

// New builds a probe from the policy. Fails with a configuration error
// for an unrecognized strategy tag.
func New(policy *config.Policy) (*Probe, error) {
	strategy, err := ParseStrategy(policy.Strategy)
	if err != nil {
		return nil, err
	}
	return &Probe{
		profilePath:    policy.ProfilePath,
		strategy:       strategy,
		lockFileName:   policy.LockFileName,
		lockGlobPrefix: policy.LockGlobPrefix,
		lockGlobSuffix: policy.LockGlobSuffix,
		fsTimeout:      defaultFSTimeout,
	}, nil
}

// Strategy returns the resolved detection strategy.
func (p *Probe) Strategy() Strategy {
	return p.strategy
}

// IsActive reports whether the owning application currently holds the
// profile open. Failures to inspect the expected artifacts (other than
// the designed signal itself) return an error wrapping ErrProbe.
func (p *Probe) IsActive(ctx context.Context) (bool, error) {
	switch p.strategy {
	case StrategyChromium:
		return p.checkJournal(ctx)
	case StrategyChromiumLockScan:
		return p.checkSessionLocks(ctx)
	case StrategyFirefox:
		return p.checkSessionSnapshot(ctx)
	case StrategyLockFile:
		return p.checkLockFile(ctx)
	case StrategyLockGlob:
		return p.checkLockGlob(ctx)
	default:
		// Unreachable: New rejects unknown tags.
		return false, fmt.Errorf("%w: strategy %q not dispatched", ErrProbe, p.strategy)
	}
}

// checkJournal: Chromium keeps History-journal non-empty while running
// and truncates it on clean shutdown.
func (p *Probe) checkJournal(ctx context.Context) (bool, error) {
	info, err := safefs.Stat(ctx, filepath.Join(p.profilePath, "History-journal"), p.fsTimeout)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: stat journal: %v", ErrProbe, err)
	}
	return info.Size() > 0, nil
}

// checkSessionLocks: any file under Sessions/ that cannot be opened for
// shared reading indicates the browser holds an exclusive lock.
func (p *Probe) checkSessionLocks(ctx context.Context) (bool, error) {
	sessionsDir := filepath.Join(p.profilePath, "Sessions")
	entries, err := safefs.ReadDir(ctx, sessionsDir, p.fsTimeout)
	if err != nil {
		return false, fmt.Errorf("%w: read %s: %v", ErrProbe, sessionsDir, err)
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		file, err := openFile(filepath.Join(sessionsDir, entry.Name()), os.O_RDONLY, 0)
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				return true, nil
			}
			continue
		}
		file.Close()
	}
	return false, nil
}

// checkSessionSnapshot: Firefox removes sessionstore.jsonlz4 on launch
// and recreates it on clean shutdown, so absence means active.
func (p *Probe) checkSessionSnapshot(ctx context.Context) (bool, error) {
	_, err := safefs.Stat(ctx, filepath.Join(p.profilePath, "sessionstore.jsonlz4"), p.fsTimeout)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, fmt.Errorf("%w: stat session snapshot: %v", ErrProbe, err)
	}
	return false, nil
}

func (p *Probe) checkLockFile(ctx context.Context) (bool, error) {
	_, err := safefs.Stat(ctx, filepath.Join(p.profilePath, p.lockFileName), p.fsTimeout)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: stat lock file: %v", ErrProbe, err)
	}
	return true, nil
}

func (p *Probe) checkLockGlob(ctx context.Context) (bool, error) {
	entries, err := safefs.ReadDir(ctx, p.profilePath, p.fsTimeout)
	if err != nil {
		return false, fmt.Errorf("%w: read profile root: %v", ErrProbe, err)
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, p.lockGlobPrefix) && strings.HasSuffix(name, p.lockGlobSuffix) {
			return true, nil
		}
	}
	return false, nil
}
