// Package dirsync invokes the external directory-sync tool (rsync) for one
// source directory at a time. The sync algorithm itself is entirely the
// tool's business; this package only owns the invocation and log hygiene.
package dirsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/valise-backup/valise/pkg/cmdrun"
)

// Binary is the sync tool executable looked up on PATH.
const Binary = "rsync"

// options: archive, compress in transit, human-readable, itemize changes.
// Itemize ('i') instead of verbose keeps the log to one line per change.
const options = "-azhi"

type commandRunner interface {
	Run(ctx context.Context, argv []string, elevate cmdrun.Elevation, filter cmdrun.LineFilter) (*cmdrun.Result, error)
}

// Syncer runs the sync tool. Sync never needs elevation: the mounted vault
// belongs to the invoking user.
type Syncer struct {
	runner commandRunner
}

// New returns a Syncer executing through runner.
func New(runner commandRunner) *Syncer {
	return &Syncer{runner: runner}
}

// ItemizeFilter keeps only received-change lines ('>' marker) from rsync's
// itemized output, dropping the per-directory noise before it hits the log.
func ItemizeFilter(line string) (string, bool) {
	if strings.HasPrefix(line, ">") {
		return line, true
	}
	return "", false
}

// Sync mirrors srcDir into destDir. The caller decides whether a failure is
// fatal; per-directory failures are non-fatal at the pipeline level.
func (s *Syncer) Sync(ctx context.Context, srcDir, destDir string) error {
	argv := []string{Binary, options, srcDir, destDir}
	if _, err := s.runner.Run(ctx, argv, cmdrun.NoElevation(), ItemizeFilter); err != nil {
		return fmt.Errorf("syncing %s: %w", srcDir, err)
	}
	return nil
}
