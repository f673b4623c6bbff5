//go:build windows

package state

import (
	"os"
	"path/filepath"
)

// atomicWriteFile replaces the file at path with data via a temp file and
// rename. renameio has no Windows support, so this build does the
// write-then-rename dance by hand.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, perm); err != nil {
		return err
	}

	if err := os.Rename(tempFile, path); err != nil {
		os.Remove(tempFile)
		return err
	}

	return nil
}
