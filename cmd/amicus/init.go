package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/amicus/internal/defaults"
)

// runInit writes an example config.yaml into dir and creates the data
// directory. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing amicus in %s\n", dir)

	dataDir := filepath.Join(dir, "memories")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}
	fmt.Fprintf(w, "  ✓ %s/\n", dataDir)

	// The config holds the bot token, so keep it private.
	configPath := filepath.Join(dir, "config.yaml")
	wrote, err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600)
	if err != nil {
		return err
	}
	if wrote {
		fmt.Fprintf(w, "  ✓ %s\n", configPath)
	} else {
		fmt.Fprintf(w, "  - %s (exists, left alone)\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Set DISCORD_TOKEN (or edit config.yaml), then run: amicus serve")
	return nil
}

// writeIfMissing writes content to path only if nothing is there yet.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
