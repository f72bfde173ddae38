// Package cmdrun is the single place external processes are spawned from.
// It handles privilege elevation, captures output, and produces redacted log
// lines so a credential can never leak into the log stream.
package cmdrun

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// passwordFlag is the argv flag whose following token is masked before any
// command line is logged.
const passwordFlag = "--password"

const passwordMask = "'********'"

// Elevation describes whether and how a command is run under sudo.
//
// The zero value means "no elevation". Passwordless assumes a pre-authorized
// NOPASSWD sudoers rule exists; WithPassword feeds the credential to
// `sudo -S` over stdin, never via argv.
type Elevation struct {
	sudo     bool
	password string
}

// NoElevation runs the command as the current user.
func NoElevation() Elevation { return Elevation{} }

// Passwordless runs the command under sudo, relying on a NOPASSWD rule.
func Passwordless() Elevation { return Elevation{sudo: true} }

// WithPassword runs the command under sudo -S, supplying the password on stdin.
func WithPassword(password string) Elevation {
	return Elevation{sudo: true, password: password}
}

// Elevated reports whether the command will be prefixed with sudo.
func (e Elevation) Elevated() bool { return e.sudo }

// Result holds the captured output of a successfully exited command.
type Result struct {
	Stdout string
	Stderr string
}

// LineFilter transforms one stdout line before it is logged. Returning
// ok=false drops the line. Used to reduce noisy tool output (e.g. rsync
// itemize-changes) to the lines worth keeping.
type LineFilter func(line string) (string, bool)

// LogFunc receives human-readable log lines describing command execution.
type LogFunc func(line string)

// Runner executes external commands. The zero value is usable; Log may be
// nil, in which case nothing is logged.
type Runner struct {
	Log LogFunc
}

// New returns a Runner that sends log lines to log. log may be nil.
func New(log LogFunc) *Runner {
	return &Runner{Log: log}
}

func (r *Runner) logf(line string) {
	if r.Log != nil {
		r.Log(line)
	}
}

// RedactArgs renders an argv as a single log-safe string. The token following
// a "--password" flag is replaced with a mask; everything else is verbatim.
func RedactArgs(argv []string) string {
	safe := make([]string, len(argv))
	copy(safe, argv)
	for i, arg := range safe {
		if arg == passwordFlag && i+1 < len(safe) {
			safe[i+1] = passwordMask
		}
	}
	return strings.Join(safe, " ")
}

// Run executes argv, optionally elevated, and captures its output.
//
// A non-zero exit, a missing executable, or a context cancellation all return
// a nil Result and a non-nil error; the failure is already logged, including
// the redacted command line, exit code and both output streams. Callers that
// only care about success can test Result against nil, mirroring the
// "no result" contract of the one-shot actions.
//
// On success, stdout is logged after passing each line through filter (when
// non-nil); stderr is logged as informational output since several tools
// (rsync among them) report statistics there.
func (r *Runner) Run(ctx context.Context, argv []string, elevate Elevation, filter LineFilter) (*Result, error) {
	full := make([]string, 0, len(argv)+2)
	var stdin string
	if elevate.sudo {
		if elevate.password != "" {
			full = append(full, "sudo", "-S")
			stdin = elevate.password + "\n"
		} else {
			full = append(full, "sudo")
		}
	}
	full = append(full, argv...)

	r.logf("-> Running: " + RedactArgs(full))

	cmd := exec.CommandContext(ctx, full[0], full[1:]...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			r.logf(fmt.Sprintf("ERROR executing command: %s\nExit code: %d\nOutput:\n%s\nError output:\n%s",
				RedactArgs(full), cmd.ProcessState.ExitCode(),
				strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String())))
		} else {
			// Covers missing executables and context cancellation.
			r.logf("ERROR: command could not be executed: " + err.Error())
		}
		return nil, err
	}

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if out := r.filterOutput(res.Stdout, filter); out != "" {
		r.logf(out)
	}
	if errOut := strings.TrimSpace(res.Stderr); errOut != "" {
		r.logf("Info (stderr):\n" + errOut)
	}
	return res, nil
}

// filterOutput applies the line filter to stdout and joins the surviving lines.
func (r *Runner) filterOutput(stdout string, filter LineFilter) string {
	out := strings.TrimSpace(stdout)
	if out == "" {
		return ""
	}
	if filter == nil {
		return out
	}
	var kept []string
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		if processed, ok := filter(line); ok {
			kept = append(kept, processed)
		}
	}
	return strings.Join(kept, "\n")
}
