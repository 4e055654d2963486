package cli

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/TishSerg/browsession/internal/types"
	"github.com/TishSerg/browsession/internal/version"
)

const (
	defaultConfigPath   = "browsession.ini"
	configSourceDefault = "default path"
	configSourceFlag    = "specified via --config/-c flag"
)

var osExit = os.Exit

// Args holds the parsed command-line arguments
type Args struct {
	ConfigPath       string
	ConfigPathSource string
	LogLevel         types.LogLevel
	DryRun           bool
	BackupNow        bool
	DecryptPath      string
	OutputPath       string
	ShowVersion      bool
	ShowHelp         bool
}

// Parse parses command-line arguments and returns Args struct
func Parse() *Args {
	args := &Args{}

	configFlag := newStringFlag(defaultConfigPath)

	flag.Var(configFlag, "config", "Path to configuration file")
	flag.Var(configFlag, "c", "Path to configuration file (shorthand)")

	var logLevelStr string
	flag.StringVar(&logLevelStr, "log-level", "",
		"Log level (debug|info|warning|error|critical)")
	flag.StringVar(&logLevelStr, "l", "",
		"Log level (shorthand)")

	flag.BoolVar(&args.DryRun, "dry-run", false,
		"Log what would be done without copying, archiving or deleting anything")
	flag.BoolVar(&args.DryRun, "n", false,
		"Dry run (shorthand)")

	flag.BoolVar(&args.BackupNow, "backup-now", false,
		"Take one full backup immediately and exit instead of watching the browser")

	flag.StringVar(&args.DecryptPath, "decrypt", "",
		"Decrypt an age-encrypted backup archive and exit")
	flag.StringVar(&args.OutputPath, "output", "",
		"Output path for --decrypt (defaults to the input path without the .age suffix)")
	flag.StringVar(&args.OutputPath, "o", "",
		"Output path for --decrypt (shorthand)")

	flag.BoolVar(&args.ShowVersion, "version", false,
		"Show version information")
	flag.BoolVar(&args.ShowVersion, "v", false,
		"Show version information (shorthand)")

	flag.BoolVar(&args.ShowHelp, "help", false,
		"Show help message")
	flag.BoolVar(&args.ShowHelp, "h", false,
		"Show help message (shorthand)")

	flag.Usage = func() {
		printHelp(os.Stderr, os.Args[0])
	}

	flag.Parse()

	args.ConfigPath = configFlag.value
	if configFlag.set {
		args.ConfigPathSource = configSourceFlag
	} else {
		args.ConfigPathSource = configSourceDefault
	}

	// Parse log level if provided
	if logLevelStr != "" {
		args.LogLevel = parseLogLevel(logLevelStr)
	} else {
		args.LogLevel = types.LogLevelNone // Will be overridden by config
	}

	return args
}

// parseLogLevel converts string to LogLevel
func parseLogLevel(s string) types.LogLevel {
	switch s {
	case "debug", "5":
		return types.LogLevelDebug
	case "info", "4":
		return types.LogLevelInfo
	case "warning", "3":
		return types.LogLevelWarning
	case "error", "2":
		return types.LogLevelError
	case "critical", "1":
		return types.LogLevelCritical
	case "none", "0":
		return types.LogLevelNone
	default:
		return types.LogLevelInfo
	}
}

// ShowHelp displays help message and exits
func ShowHelp() {
	printHelp(os.Stderr, os.Args[0])
	osExit(0)
}

// ShowVersion displays version information and exits
func ShowVersion() {
	printVersion(os.Stdout)
	osExit(0)
}

func printHelp(w io.Writer, argv0 string) {
	fmt.Fprintf(w, "Usage: %s [options]\n\n", argv0)
	fmt.Fprintln(w, "Browsession - browser profile session backup agent")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Options:")
	flag.PrintDefaults()
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintf(w, "  %s -c /path/to/browsession.ini\n", argv0)
	fmt.Fprintf(w, "  %s --backup-now --log-level debug\n", argv0)
	fmt.Fprintf(w, "  %s --decrypt backup.tar.gz.age -o backup.tar.gz\n", argv0)
}

func printVersion(w io.Writer) {
	fmt.Fprintln(w, "Browsession")
	fmt.Fprintln(w, "Version: "+version.String())
}

type stringFlag struct {
	value string
	set   bool
}

func newStringFlag(defaultValue string) *stringFlag {
	return &stringFlag{value: defaultValue}
}

func (s *stringFlag) String() string {
	return s.value
}

func (s *stringFlag) Set(val string) error {
	s.value = val
	s.set = true
	return nil
}
