// Package vaultaction implements the one-shot vault conveniences that live
// outside the backup pipeline: toggling the mount, reporting status and
// emptying a mounted container.
package vaultaction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// deleteWorkers bounds the parallel removals when emptying a vault.
const deleteWorkers = 4

type vaultTool interface {
	MountPoint(ctx context.Context, containerPath string) (string, bool)
	Mount(ctx context.Context, containerPath, password string) error
	Dismount(ctx context.Context, target string) error
}

type passwordSource interface {
	Get(containerKey string) (string, error)
}

// Info is a point-in-time snapshot of a vault.
type Info struct {
	ContainerPath string
	Mounted       bool
	MountPoint    string
	// SizeBytes is the on-disk size of the container file, 0 when the
	// file is missing.
	SizeBytes uint64
}

// Actions executes ad-hoc vault operations.
type Actions struct {
	vault     vaultTool
	passwords passwordSource
	log       func(line string)
}

// New wires an Actions. log may be nil.
func New(vault vaultTool, passwords passwordSource, log func(line string)) *Actions {
	return &Actions{vault: vault, passwords: passwords, log: log}
}

func (a *Actions) logf(format string, args ...any) {
	if a.log != nil {
		a.log(fmt.Sprintf(format, args...))
	}
}

// Status reports whether the container is mounted and how big it is.
func (a *Actions) Status(ctx context.Context, containerPath string) Info {
	info := Info{ContainerPath: containerPath}
	if st, err := os.Stat(containerPath); err == nil {
		info.SizeBytes = uint64(st.Size())
	}
	if mp, ok := a.vault.MountPoint(ctx, containerPath); ok {
		info.Mounted = true
		info.MountPoint = mp
	}
	return info
}

// ToggleMount mounts the container when it is closed and dismounts it when
// it is open. Returns the state after the call: true when mounted.
func (a *Actions) ToggleMount(ctx context.Context, containerPath string) (bool, error) {
	if mp, ok := a.vault.MountPoint(ctx, containerPath); ok {
		a.logf("Dismounting %s", mp)
		if err := a.vault.Dismount(ctx, mp); err != nil {
			return true, fmt.Errorf("could not dismount %s: %w", mp, err)
		}
		return false, nil
	}

	if _, err := os.Stat(containerPath); err != nil {
		return false, fmt.Errorf("container not found: %w", err)
	}
	password, err := a.passwords.Get(containerPath)
	if err != nil {
		return false, fmt.Errorf("no password available for %s: %w", containerPath, err)
	}
	a.logf("Mounting %s", containerPath)
	if err := a.vault.Mount(ctx, containerPath, password); err != nil {
		return false, fmt.Errorf("could not mount container: %w", err)
	}
	return true, nil
}

// Empty removes every top-level entry inside the mounted container. The
// container must already be mounted; Empty never mounts it implicitly.
// Entries are removed in parallel and the first failure aborts the
// remaining workers.
func (a *Actions) Empty(ctx context.Context, containerPath string) (int, error) {
	mp, ok := a.vault.MountPoint(ctx, containerPath)
	if !ok {
		return 0, fmt.Errorf("container %s is not mounted", containerPath)
	}

	entries, err := os.ReadDir(mp)
	if err != nil {
		return 0, fmt.Errorf("could not read vault contents: %w", err)
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(deleteWorkers)
	for _, entry := range entries {
		target := filepath.Join(mp, entry.Name())
		g.Go(func() error {
			a.logf("Removing %s", target)
			if err := os.RemoveAll(target); err != nil {
				return fmt.Errorf("could not remove %s: %w", target, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(entries), nil
}
