package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/yuri-schmaltz/darktable-mcp/internal/defaults"
)

// configFileName is the name init writes and the first name
// config.FindConfig looks for.
const configFileName = "darktable-mcp.yaml"

// runInit writes the example configuration into dir. An existing file
// is never overwritten.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	path := filepath.Join(dir, configFileName)
	written, err := writeIfMissing(path, defaults.ConfigYAML)
	if err != nil {
		return err
	}
	if !written {
		fmt.Fprintf(w, "%s already exists, leaving it unchanged\n", path)
		return nil
	}

	fmt.Fprintf(w, "Wrote %s\n", path)
	fmt.Fprintln(w, "Every setting is optional; delete the ones you do not change.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist. The file may hold broker credentials, so it is private
// to the owner.
func writeIfMissing(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
