package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"sync"
	"syscall"

	"filippo.io/age"

	"github.com/TishSerg/browsession/internal/backup"
	"github.com/TishSerg/browsession/internal/checks"
	"github.com/TishSerg/browsession/internal/cli"
	"github.com/TishSerg/browsession/internal/config"
	"github.com/TishSerg/browsession/internal/logging"
	"github.com/TishSerg/browsession/internal/orchestrator"
	"github.com/TishSerg/browsession/internal/probe"
	"github.com/TishSerg/browsession/internal/storage"
	"github.com/TishSerg/browsession/internal/types"
	"github.com/TishSerg/browsession/internal/version"
	"github.com/TishSerg/browsession/pkg/utils"
)

func main() {
	os.Exit(run())
}

func run() int {
	bootstrap := logging.NewBootstrapLogger()

	defer func() {
		if r := recover(); r != nil {
			bootstrap.Error("PANIC: %v", r)
			fmt.Fprintf(os.Stderr, "panic: %v\n%s\n", r, debug.Stack())
			os.Exit(types.ExitPanicError.Int())
		}
	}()

	args := cli.Parse()

	if args.ShowVersion {
		cli.ShowVersion()
		return types.ExitSuccess.Int()
	}
	if args.ShowHelp {
		cli.ShowHelp()
		return types.ExitSuccess.Int()
	}

	bootstrap.Info("Browsession v%s is starting...", version.String())

	logger := logging.New(types.LogLevelInfo, logging.StdoutIsTerminal())
	if args.LogLevel != types.LogLevelNone {
		logger.SetLevel(args.LogLevel)
		bootstrap.SetLevel(args.LogLevel)
	}

	if args.DecryptPath != "" {
		bootstrap.Flush(logger)
		return runDecrypt(logger, args.DecryptPath, args.OutputPath).Int()
	}

	policy, err := config.Load(args.ConfigPath)
	if err != nil {
		bootstrap.Error("%v", err)
		bootstrap.Error("Exiting due to misconfiguration.")
		return types.ExitConfigError.Int()
	}
	if args.DryRun {
		policy.DryRun = true
	}
	// The flag outranks the config file.
	if args.LogLevel == types.LogLevelNone {
		logger.SetLevel(policy.LogLevel)
	}

	if err := utils.EnsureDir(filepath.Dir(policy.LogPath)); err != nil {
		bootstrap.Warning("Cannot prepare log directory: %v", err)
	} else if err := logger.OpenLogFile(policy.LogPath); err != nil {
		bootstrap.Warning("Cannot open log file %s: %v", policy.LogPath, err)
	}
	bootstrap.Flush(logger)
	if logPath := logger.GetLogFilePath(); logPath != "" {
		logger.Debug("Logging to %s", logPath)
	}

	configPath := args.ConfigPath
	if abs, err := utils.AbsPath(configPath); err == nil {
		configPath = abs
	}
	logger.Debug("Configuration loaded from %s (%s)", configPath, args.ConfigPathSource)
	if policy.DryRun {
		logger.Warning("Dry run: no backups will be written or removed")
	}

	activityProbe, err := probe.New(policy)
	if err != nil {
		logger.Fatal(types.ExitConfigError, "%v", err)
	}

	recipients, err := parseRecipients(policy)
	if err != nil {
		logger.Fatal(types.ExitConfigError, "%v", err)
	}

	archiver := backup.NewArchiver(logger, &backup.ArchiverConfig{
		Compression:      policy.Compression,
		CompressionLevel: policy.CompressionLevel,
		DryRun:           policy.DryRun,
		EncryptArchive:   policy.EncryptArchive,
		AgeRecipients:    recipients,
	})
	store := storage.NewManager(logger, policy.BackupRoot, policy.EmergencyTag, archiver, policy.DryRun)
	copier := backup.NewCopier(logger, policy.ProfilePath)
	orch := orchestrator.New(logger, policy, activityProbe, copier, store)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := checks.NewChecker(logger, policy.ProfilePath, policy.BackupRoot).Run(ctx); err != nil {
		logger.Critical("Pre-flight check failed: %v", err)
		return types.ExitStorageError.Int()
	}

	if err := orch.Startup(ctx); err != nil {
		logger.Critical("Startup failed: %v", err)
		return types.ExitStorageError.Int()
	}

	if args.BackupNow {
		logger.Info("One-shot mode: making a backup now.")
		if err := orch.MakeBackup(ctx, types.BackupFull); err != nil {
			logger.Error("Backup failed: %v", err)
			return types.ExitBackupError.Int()
		}
		return types.ExitSuccess.Int()
	}

	logger.Info("Browsession is on duty.")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := orch.ActivityWatcher(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Activity watcher stopped: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := orch.EmergencyWatcher(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Emergency watcher stopped: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown requested, waiting for watchers...")
	wg.Wait()

	if err := logger.CloseLogFile(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to close log file: %v\n", err)
	}
	return types.ExitSuccess.Int()
}

func parseRecipients(policy *config.Policy) ([]age.Recipient, error) {
	if !policy.EncryptArchive {
		return nil, nil
	}
	recipients := make([]age.Recipient, 0, len(policy.AgeRecipients))
	for _, r := range policy.AgeRecipients {
		recipient, err := age.ParseX25519Recipient(r)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid age recipient %q: %v", config.ErrConfiguration, r, err)
		}
		recipients = append(recipients, recipient)
	}
	return recipients, nil
}
