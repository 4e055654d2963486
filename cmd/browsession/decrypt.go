package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"golang.org/x/term"

	"github.com/TishSerg/browsession/internal/logging"
	"github.com/TishSerg/browsession/internal/types"
)

// identityFileEnv points to an age identity file used for --decrypt.
// Without it the secret key is prompted for on the terminal.
const identityFileEnv = "BROWSESSION_AGE_IDENTITY"

// runDecrypt converts an age-encrypted backup archive back into a
// plain one.
func runDecrypt(logger *logging.Logger, inputPath, outputPath string) types.ExitCode {
	if outputPath == "" {
		outputPath = strings.TrimSuffix(inputPath, ".age")
		if outputPath == inputPath {
			logger.Error("Input %q has no .age suffix, use --output to name the result", inputPath)
			return types.ExitGenericError
		}
	}

	identities, err := loadIdentities(logger)
	if err != nil {
		logger.Error("Cannot load age identity: %v", err)
		return types.ExitGenericError
	}

	in, err := os.Open(inputPath)
	if err != nil {
		logger.Error("Cannot open encrypted archive: %v", err)
		return types.ExitGenericError
	}
	defer in.Close()

	decrypted, err := age.Decrypt(in, identities...)
	if err != nil {
		logger.Error("Decryption failed: %v", err)
		return types.ExitArchiveError
	}

	out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0640)
	if err != nil {
		logger.Error("Cannot create output file: %v", err)
		return types.ExitGenericError
	}

	if _, err := io.Copy(out, decrypted); err != nil {
		out.Close()
		os.Remove(outputPath)
		logger.Error("Decryption failed: %v", err)
		return types.ExitArchiveError
	}
	if err := out.Close(); err != nil {
		logger.Error("Cannot finish output file: %v", err)
		return types.ExitGenericError
	}

	logger.Info("Decrypted %q into %q", inputPath, outputPath)
	return types.ExitSuccess
}

// loadIdentities reads age identities from the file named by
// BROWSESSION_AGE_IDENTITY, or prompts for the secret key when the
// variable is unset.
func loadIdentities(logger *logging.Logger) ([]age.Identity, error) {
	if path := os.Getenv(identityFileEnv); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open identity file: %w", err)
		}
		defer f.Close()

		identities, err := age.ParseIdentities(f)
		if err != nil {
			return nil, fmt.Errorf("parse identity file %s: %w", path, err)
		}
		logger.Debug("Loaded %d identities from %s", len(identities), path)
		return identities, nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, fmt.Errorf("no terminal available, set %s to an identity file", identityFileEnv)
	}

	fmt.Fprint(os.Stderr, "Enter age secret key: ")
	keyBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read secret key: %w", err)
	}

	identity, err := age.ParseX25519Identity(strings.TrimSpace(string(keyBytes)))
	if err != nil {
		return nil, fmt.Errorf("invalid age secret key: %w", err)
	}
	return []age.Identity{identity}, nil
}
