// Package remotefs touches the remote destination exclusively through
// subprocesses bounded by the watchdog. Direct filesystem calls against a
// dead FUSE mount can hang or crash the whole process, so existence checks
// and directory creation go through `test -d` and `mkdir -p` instead, each
// with its own timeout.
package remotefs

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/valise-backup/valise/pkg/cmdrun"
	"github.com/valise-backup/valise/pkg/watchdog"
)

// MountBinary is the user-space mount helper used for auto-mounting the
// remote (GVFS-backed) destination.
const MountBinary = "gio"

// pollAttempts and pollDelay pace the accessibility re-checks after a
// successful auto-mount: the filesystem often needs a moment before it
// answers probes.
const (
	pollAttempts = 5
	pollDelay    = time.Second
)

type commandRunner interface {
	Run(ctx context.Context, argv []string, elevate cmdrun.Elevation, filter cmdrun.LineFilter) (*cmdrun.Result, error)
}

// RemoteFS probes and prepares the remote destination.
type RemoteFS struct {
	runner commandRunner
	log    func(line string)

	// sleep is swapped out in tests so polling doesn't slow the suite.
	sleep func(d time.Duration)
}

// New returns a RemoteFS executing through runner; log may be nil.
func New(runner commandRunner, log func(line string)) *RemoteFS {
	if log == nil {
		log = func(string) {}
	}
	return &RemoteFS{runner: runner, log: log, sleep: time.Sleep}
}

// Probe checks that path exists and is a directory, bounded by timeout.
// Both a probe failure and a hang return an error; the caller treats them
// identically.
func (r *RemoteFS) Probe(ctx context.Context, path string, timeout time.Duration) error {
	return watchdog.Do("probe remote path", timeout, func() error {
		_, err := r.runner.Run(ctx, []string{"test", "-d", path}, cmdrun.NoElevation(), nil)
		return err
	})
}

// EnsureDir creates path (and parents) on the remote, bounded by timeout.
func (r *RemoteFS) EnsureDir(ctx context.Context, path string, timeout time.Duration) error {
	return watchdog.Do("create remote directory", timeout, func() error {
		_, err := r.runner.Run(ctx, []string{"mkdir", "-p", path}, cmdrun.NoElevation(), nil)
		return err
	})
}

// Remove deletes a file on the remote under the watchdog. Used to discard a
// copy that failed verification.
func (r *RemoteFS) Remove(path string, timeout time.Duration) error {
	return watchdog.Do("remove remote file", timeout, func() error {
		return os.Remove(path)
	})
}

// AutoMount attempts to mount the remote destination that backs remotePath
// and polls until it answers probes. It returns nil once the path is
// accessible; any failure (parse, mount command, or the path never becoming
// ready) returns an error and the caller decides whether that is terminal.
func (r *RemoteFS) AutoMount(ctx context.Context, remotePath string, cmdTimeout, probeTimeout time.Duration) error {
	account, err := ParseMountURI(remotePath)
	if err != nil {
		r.log(fmt.Sprintf("Cannot auto-mount, remote path is not a recognizable mount URI: %v", err))
		return err
	}

	r.log(fmt.Sprintf("Attempting to mount remote destination for %s...", account.Identity()))
	err = watchdog.Do("mount remote destination", cmdTimeout, func() error {
		_, err := r.runner.Run(ctx, []string{MountBinary, "mount", account.MountURI()}, cmdrun.NoElevation(), nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("remote mount attempt failed: %w", err)
	}

	// The mount reported success but the filesystem may not be ready yet.
	r.log("Remote mount successful, waiting for filesystem to become responsive...")
	for i := 0; i < pollAttempts; i++ {
		if err = r.Probe(ctx, remotePath, probeTimeout); err == nil {
			r.log("Remote path now accessible after auto-mount.")
			return nil
		}
		if i < pollAttempts-1 {
			r.log(fmt.Sprintf("Path not ready yet, retrying in %s... (%d/%d)", pollDelay, i+1, pollAttempts-1))
			r.sleep(pollDelay)
		}
	}
	return fmt.Errorf("remote path never became accessible after mount: %w", err)
}
