// Package config loads and validates the backup policy from the
// browsession.ini configuration file.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/TishSerg/browsession/internal/types"
	"github.com/TishSerg/browsession/pkg/utils"
)

// ErrConfiguration marks fatal configuration problems. The process must
// not reach the polling loops when Load returns an error wrapping it.
var ErrConfiguration = errors.New("configuration error")

// Policy is the immutable backup policy shared by all components for
// the lifetime of the process.
type Policy struct {
	// Paths
	ProfilePath string
	BackupRoot  string
	LogPath     string

	// Activity detection
	Strategy       string // lower-cased detection strategy tag
	LockFileName   string // "lockfile" strategy
	LockGlobPrefix string // "lockglob" strategy
	LockGlobSuffix string

	// Backup naming
	DatetimeFormat string // Go reference layout for backup dir names
	FullTag        string
	EmergencyTag   string

	// Emergency handling
	FreeSpaceTrigger  int64
	EmergencyCooldown time.Duration

	// Polling cadence
	PollInterval          time.Duration
	EmergencyPollInterval time.Duration

	// Retention
	FullBackupsStoreLimit         int
	EmergencyBackupsStoreLimit    int
	NoncompressedFullBackupsLimit int
	NoncompressedBackupsLimit     int

	// Archiving
	Compression      types.CompressionType
	CompressionLevel int
	EncryptArchive   bool
	AgeRecipients    []string

	// Manifests (resolved, enabled entries only)
	MainFiles  []string
	ExtraFiles []string

	// Misc
	LogLevel types.LogLevel
	DryRun   bool
}

const defaultTemplate = `[Paths]
; Path to the browser's profile directory (required).
BrowserProfile =
BackupDirsRoot = BrowsessionBackups
LogPath = logs/browsession.log

[Settings]
; Detection strategy: chromium | chromium-lockscan | firefox | lockfile | lockglob
BrowserStateDetection = chromium
; Go time layout used for backup directory names.
BackupDirDatetimeFormat = 2006-01-02 15-04-05
FullBackupTag = regular
EmergencyBackupTag = emergency
; Plain bytes, a size suffix (1GiB) or a product (1*1024*1024*1024).
EmergencyFreeSpaceTrigger = 1GiB
EmergencyFreeSpaceDelay = 30s
FullBackupsStoreLimit = 5
EmergencyBackupsStoreLimit = 3
NoncompressedFullBackupsLimit = 1
NoncompressedBackupsLimit = 1
; Compression for archived backups: gz | zst | xz | none
CompressionType = gz
CompressionLevel = 6
EncryptArchive = false
; AgeRecipient = age1...

[MainFilesToBackup]
; One key per file/directory relative to the profile root.
; Set a key to false to disable it without deleting the line.

[ExtraFilesToBackup]
; Heavy entries included only in full backups.
`

// Load reads the policy from an INI file. If the file does not exist a
// template is written in its place and an error wrapping
// ErrConfiguration is returned, matching first-run behavior.
func Load(path string) (*Policy, error) {
	if !utils.FileExists(path) {
		if err := writeTemplate(path); err != nil {
			return nil, fmt.Errorf("%w: config file %q not found and template could not be created: %v",
				ErrConfiguration, path, err)
		}
		return nil, fmt.Errorf("%w: config file %q not found; a template has been created, adjust it "+
			"(at least set the browser profile path and files to copy)", ErrConfiguration, path)
	}

	file, err := ini.LoadSources(ini.LoadOptions{
		AllowBooleanKeys: true,
		AllowShadows:     true,
	}, path)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read %q: %v", ErrConfiguration, path, err)
	}

	p := &Policy{}
	if err := p.parse(file); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func writeTemplate(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := utils.EnsureDir(dir); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(defaultTemplate), 0644)
}

func (p *Policy) parse(file *ini.File) error {
	paths := file.Section("Paths")
	settings := file.Section("Settings")

	p.ProfilePath = filepath.Clean(os.ExpandEnv(getString(paths, "BrowserProfile", "")))
	p.BackupRoot = filepath.Clean(os.ExpandEnv(getString(paths, "BackupDirsRoot", "BrowsessionBackups")))
	p.LogPath = os.ExpandEnv(getString(paths, "LogPath", "logs/browsession.log"))

	p.Strategy = strings.ToLower(getString(settings, "BrowserStateDetection", "chromium"))
	p.LockFileName = getString(settings, "LockFileName", "lockfile")
	p.LockGlobPrefix = getString(settings, "LockGlobPrefix", "ssdfp")
	p.LockGlobSuffix = getString(settings, "LockGlobSuffix", ".lock")

	p.DatetimeFormat = getString(settings, "BackupDirDatetimeFormat", "2006-01-02 15-04-05")
	p.FullTag = getString(settings, "FullBackupTag", "regular")
	p.EmergencyTag = getString(settings, "EmergencyBackupTag", "emergency")

	trigger, err := ParseByteSize(getString(settings, "EmergencyFreeSpaceTrigger", "1GiB"))
	if err != nil {
		return fmt.Errorf("%w: EmergencyFreeSpaceTrigger: %v", ErrConfiguration, err)
	}
	p.FreeSpaceTrigger = trigger

	p.EmergencyCooldown, err = getDuration(settings, "EmergencyFreeSpaceDelay", 30*time.Second)
	if err != nil {
		return fmt.Errorf("%w: EmergencyFreeSpaceDelay: %v", ErrConfiguration, err)
	}
	p.PollInterval, err = getDuration(settings, "PollInterval", time.Second)
	if err != nil {
		return fmt.Errorf("%w: PollInterval: %v", ErrConfiguration, err)
	}
	p.EmergencyPollInterval, err = getDuration(settings, "EmergencyPollInterval", 5*time.Second)
	if err != nil {
		return fmt.Errorf("%w: EmergencyPollInterval: %v", ErrConfiguration, err)
	}

	p.FullBackupsStoreLimit = getInt(settings, "FullBackupsStoreLimit", 5)
	p.EmergencyBackupsStoreLimit = getInt(settings, "EmergencyBackupsStoreLimit", 3)
	p.NoncompressedFullBackupsLimit = getInt(settings, "NoncompressedFullBackupsLimit", 1)
	p.NoncompressedBackupsLimit = getInt(settings, "NoncompressedBackupsLimit", 1)

	p.Compression = types.CompressionType(strings.ToLower(getString(settings, "CompressionType", "gz")))
	p.CompressionLevel = getInt(settings, "CompressionLevel", 6)
	p.EncryptArchive = utils.ParseBool(settings.Key("EncryptArchive").String())
	for _, recipient := range settings.Key("AgeRecipient").ValueWithShadows() {
		recipient = strings.TrimSpace(recipient)
		if recipient != "" {
			p.AgeRecipients = append(p.AgeRecipients, recipient)
		}
	}

	if level, ok := types.ParseLogLevel(strings.ToLower(getString(settings, "LogLevel", "info"))); ok {
		p.LogLevel = level
	} else {
		p.LogLevel = types.LogLevelInfo
	}
	p.DryRun = utils.ParseBool(settings.Key("DryRun").String())

	p.MainFiles = manifestEntries(file.Section("MainFilesToBackup"))
	p.ExtraFiles = manifestEntries(file.Section("ExtraFilesToBackup"))

	return nil
}

func (p *Policy) validate() error {
	if p.ProfilePath == "" || p.ProfilePath == "." {
		return fmt.Errorf("%w: path to browser profile isn't specified", ErrConfiguration)
	}

	switch p.Compression {
	case types.CompressionGzip, types.CompressionXZ, types.CompressionZstd, types.CompressionNone:
	default:
		return fmt.Errorf("%w: unknown compression type %q", ErrConfiguration, p.Compression)
	}

	if p.EncryptArchive && len(p.AgeRecipients) == 0 {
		return fmt.Errorf("%w: EncryptArchive is enabled but no AgeRecipient is configured", ErrConfiguration)
	}

	if p.FullTag == p.EmergencyTag {
		return fmt.Errorf("%w: full and emergency backup tags must differ", ErrConfiguration)
	}

	// At least one main manifest entry must resolve under the profile.
	found := 0
	for _, name := range p.MainFiles {
		if utils.PathExists(filepath.Join(p.ProfilePath, name)) {
			found++
		}
	}
	if found < 1 {
		return fmt.Errorf("%w: none of the main files/dirs found in %q", ErrConfiguration, p.ProfilePath)
	}

	return nil
}

// manifestEntries returns the enabled entry names of a manifest section.
// A key with an explicit falsy value is excluded; a bare key or any other
// value keeps the entry enabled.
func manifestEntries(section *ini.Section) []string {
	var entries []string
	for _, key := range section.Keys() {
		value := key.String()
		// AllowBooleanKeys turns bare keys into value "true".
		if value != "" && value != "true" && utils.IsFalsy(value) {
			continue
		}
		entries = append(entries, key.Name())
	}
	sort.Strings(entries)
	return entries
}

// getString trims whitespace and surrounding quotes, so paths with
// spaces may be quoted in the file.
func getString(section *ini.Section, name, fallback string) string {
	if value := utils.TrimQuotes(strings.TrimSpace(section.Key(name).String())); value != "" {
		return value
	}
	return fallback
}

func getInt(section *ini.Section, name string, fallback int) int {
	if value, err := section.Key(name).Int(); err == nil {
		return value
	}
	return fallback
}

// getDuration accepts Go duration strings ("30s", "1m") and, for
// compatibility with the original config format, plain numbers meaning
// seconds.
func getDuration(section *ini.Section, name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(section.Key(name).String())
	if raw == "" {
		return fallback, nil
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return d, nil
}

// ParseByteSize resolves a byte count at configuration-load time. It
// accepts a plain integer, an integer with a size suffix (KiB/MiB/GiB/
// TiB, or K/M/G/T/KB/MB/GB/TB treated as binary units), or the legacy
// product form "1*1024*1024*1024". No expression is ever evaluated at
// runtime.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	if strings.Contains(s, "*") {
		product := int64(1)
		for _, part := range strings.Split(s, "*") {
			factor, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil || factor < 0 {
				return 0, fmt.Errorf("invalid size factor %q in %q", part, s)
			}
			if factor != 0 && product > math.MaxInt64/factor {
				return 0, fmt.Errorf("size %q overflows", s)
			}
			product *= factor
		}
		return product, nil
	}

	multiplier := int64(1)
	upper := strings.ToUpper(s)
	for _, suffix := range []struct {
		name  string
		value int64
	}{
		{"TIB", 1 << 40}, {"TB", 1 << 40}, {"T", 1 << 40},
		{"GIB", 1 << 30}, {"GB", 1 << 30}, {"G", 1 << 30},
		{"MIB", 1 << 20}, {"MB", 1 << 20}, {"M", 1 << 20},
		{"KIB", 1 << 10}, {"KB", 1 << 10}, {"K", 1 << 10},
	} {
		if strings.HasSuffix(upper, suffix.name) {
			upper = strings.TrimSpace(strings.TrimSuffix(upper, suffix.name))
			multiplier = suffix.value
			break
		}
	}

	value, err := strconv.ParseInt(upper, 10, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if value != 0 && multiplier > math.MaxInt64/value {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return value * multiplier, nil
}
