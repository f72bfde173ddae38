// Package elevate manages the sudo side of running the encryption tool:
// detecting whether a passwordless rule is installed, validating an
// interactively supplied password, and installing/removing the rule itself.
package elevate

import (
	"context"
	"fmt"
	"os"

	"github.com/valise-backup/valise/pkg/cmdrun"
)

// DefaultSudoersPath is where the NOPASSWD rule for the encryption tool is
// installed. Its presence means fully automated runs need no password.
const DefaultSudoersPath = "/etc/sudoers.d/valise-veracrypt"

// sudoersRule is the rule content; it authorizes only the encryption tool,
// not arbitrary commands.
const sudoersRule = "%sudo ALL=(root) NOPASSWD: /usr/bin/veracrypt"

type commandRunner interface {
	Run(ctx context.Context, argv []string, elevate cmdrun.Elevation, filter cmdrun.LineFilter) (*cmdrun.Result, error)
}

// Sudo inspects and manages the passwordless-sudo setup.
type Sudo struct {
	runner      commandRunner
	sudoersPath string
}

// New returns a Sudo using the default sudoers path.
func New(runner commandRunner) *Sudo {
	return &Sudo{runner: runner, sudoersPath: DefaultSudoersPath}
}

// NewAtPath returns a Sudo managing a rule at a custom path. Used by tests.
func NewAtPath(runner commandRunner, path string) *Sudo {
	return &Sudo{runner: runner, sudoersPath: path}
}

// PasswordRequired reports whether elevation will prompt for a password,
// i.e. the passwordless rule file is absent.
func (s *Sudo) PasswordRequired() bool {
	_, err := os.Stat(s.sudoersPath)
	return err != nil
}

// VerifyPassword checks a sudo password by refreshing the cached credential
// timestamp (`sudo -S -v`), which is non-destructive. An empty password is
// always invalid.
func (s *Sudo) VerifyPassword(ctx context.Context, password string) bool {
	if password == "" {
		return false
	}
	// The elevation prefix supplies "sudo -S" and feeds the password on
	// stdin; "-v" is the whole remaining command.
	_, err := s.runner.Run(ctx, []string{"-v"}, cmdrun.WithPassword(password), nil)
	return err == nil
}

// SetupPasswordless installs the NOPASSWD rule. Requires a valid sudo
// password to perform the privileged write.
func (s *Sudo) SetupPasswordless(ctx context.Context, password string) error {
	script := fmt.Sprintf("echo '%s' > %s && chmod 0440 %s", sudoersRule, s.sudoersPath, s.sudoersPath)
	if _, err := s.runner.Run(ctx, []string{"sh", "-c", script}, cmdrun.WithPassword(password), nil); err != nil {
		return fmt.Errorf("could not create sudoers rule (sudo may have rejected the password): %w", err)
	}
	return nil
}

// RemovePasswordless removes the NOPASSWD rule.
func (s *Sudo) RemovePasswordless(ctx context.Context, password string) error {
	if _, err := s.runner.Run(ctx, []string{"rm", "-f", s.sudoersPath}, cmdrun.WithPassword(password), nil); err != nil {
		return fmt.Errorf("could not remove sudoers rule (sudo may have rejected the password): %w", err)
	}
	return nil
}
