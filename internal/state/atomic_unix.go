//go:build !windows

package state

import (
	"os"

	"github.com/google/renameio/v2"
)

// atomicWriteFile replaces the file at path with data in a single rename,
// so a crash mid-persist leaves either the old state file or the new one,
// never a truncated mix. Unix builds delegate to renameio.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	return renameio.WriteFile(path, data, perm)
}
