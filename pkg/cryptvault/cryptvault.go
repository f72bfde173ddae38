// Package cryptvault wraps the external encryption tool (veracrypt) behind a
// small API: mount, dismount, mount-point resolution and credential testing.
// Every invocation goes through the command runner so elevation and log
// redaction stay uniform.
package cryptvault

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/valise-backup/valise/pkg/cmdrun"
)

// Binary is the name of the encryption tool executable looked up on PATH.
const Binary = "veracrypt"

// commandRunner is the subset of cmdrun.Runner the tool needs; tests inject
// a fake to script tool output.
type commandRunner interface {
	Run(ctx context.Context, argv []string, elevate cmdrun.Elevation, filter cmdrun.LineFilter) (*cmdrun.Result, error)
}

// Tool invokes the encryption tool non-interactively, optionally elevated.
type Tool struct {
	runner  commandRunner
	elevate cmdrun.Elevation
}

// New returns a Tool that executes through runner under the given elevation.
func New(runner commandRunner, elevate cmdrun.Elevation) *Tool {
	return &Tool{runner: runner, elevate: elevate}
}

// baseArgs is the invariant prefix for every invocation: text mode, and no
// interactive prompts (a prompt would hang a headless run forever).
func baseArgs() []string {
	return []string{Binary, "--text", "--non-interactive"}
}

// MountPoint resolves where containerPath is currently mounted by parsing the
// tool's list output. For each line mentioning the container it takes the
// last whitespace-separated token and accepts it only if it is an existing
// directory; the first acceptable line wins.
//
// "Not mounted" and "list command failed" both return ok=false; callers
// react the same way to either.
func (t *Tool) MountPoint(ctx context.Context, containerPath string) (string, bool) {
	res, err := t.runner.Run(ctx, []string{Binary, "--text", "--list"}, t.elevate, nil)
	if err != nil || res == nil {
		return "", false
	}

	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if !strings.Contains(line, containerPath) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		candidate := fields[len(fields)-1]
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

// Mount mounts the container using the given password.
func (t *Tool) Mount(ctx context.Context, containerPath, password string) error {
	argv := append(baseArgs(), "--mount", containerPath, "--password", password)
	if _, err := t.runner.Run(ctx, argv, t.elevate, nil); err != nil {
		return fmt.Errorf("mounting container %s: %w", containerPath, err)
	}
	return nil
}

// Dismount unmounts by container path or mount point; the tool accepts both.
func (t *Tool) Dismount(ctx context.Context, target string) error {
	argv := append(baseArgs(), "--dismount", target)
	if _, err := t.runner.Run(ctx, argv, t.elevate, nil); err != nil {
		return fmt.Errorf("dismounting %s: %w", target, err)
	}
	return nil
}

// TestPassword validates a password against a container using the tool's
// test mode, without leaving it mounted.
func (t *Tool) TestPassword(ctx context.Context, containerPath, password string) error {
	if _, err := os.Stat(containerPath); err != nil {
		return fmt.Errorf("container not found at %s: %w", containerPath, err)
	}
	argv := append(baseArgs(), "--test", "--password", password, containerPath)
	if _, err := t.runner.Run(ctx, argv, t.elevate, nil); err != nil {
		return fmt.Errorf("credential test failed for %s: %w", containerPath, err)
	}
	return nil
}
