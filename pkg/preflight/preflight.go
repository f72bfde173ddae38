// Package preflight provides validation checks that run before a backup
// begins. The checks are stateless and change nothing on the system; they
// exist to fail fast with a clear message instead of mid-pipeline.
package preflight

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/dustin/go-humanize"
)

// CheckToolsExist verifies each named executable is resolvable on PATH.
// The first missing tool aborts the check; the pipeline cannot run partially.
func CheckToolsExist(names ...string) error {
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			return fmt.Errorf("required command %q not found: %w", name, err)
		}
	}
	return nil
}

// CheckContainerExists verifies the container file is present and is a
// regular file, not a directory.
func CheckContainerExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("container not found at %s", path)
		}
		return fmt.Errorf("cannot access container %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("container path %s is a directory, expected a file", path)
	}
	return nil
}

// CheckFreeSpace verifies that the filesystem holding dir has at least
// required bytes available. Catching an obviously full destination here is
// cheaper than failing halfway through a multi-gigabyte copy.
func CheckFreeSpace(dir string, required uint64) error {
	avail, err := freeSpace(dir)
	if err != nil {
		// Free-space detection is best effort: an unreadable statfs on an
		// exotic mount must not block the run.
		return nil
	}
	if avail < required {
		return fmt.Errorf("insufficient space on %s: %s available, %s required (disk full)",
			dir, humanize.IBytes(avail), humanize.IBytes(required))
	}
	return nil
}
