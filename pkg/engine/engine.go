// Package engine implements the backup pipeline: mount the encrypted
// container, sync the configured directories into it, unmount, copy the
// container to the remote destination and verify the copy by hash. Every
// remote operation is individually bounded, the whole run is cooperatively
// cancellable and each run produces exactly one outcome.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/valise-backup/valise/pkg/cancel"
	"github.com/valise-backup/valise/pkg/config"
	"github.com/valise-backup/valise/pkg/integrity"
	"github.com/valise-backup/valise/pkg/preflight"
)

// Step identifies the pipeline stage a run is currently in. Transitions are
// strictly forward; a stage can be skipped but never revisited.
type Step int

const (
	StepStarting Step = iota
	StepCheckingMount
	StepMounting
	StepRsyncing
	StepUnmounting
	StepPreparingRemote
	StepCopyingToRemote
	StepVerifyingHash
	StepDone
)

var stepNames = map[Step]string{
	StepStarting:        "starting",
	StepCheckingMount:   "checking-mount",
	StepMounting:        "mounting",
	StepRsyncing:        "syncing",
	StepUnmounting:      "unmounting",
	StepPreparingRemote: "preparing-remote",
	StepCopyingToRemote: "copying-to-remote",
	StepVerifyingHash:   "verifying-hash",
	StepDone:            "done",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return "unknown"
}

// Status is the terminal classification of a run. Exactly one is produced
// per run, even on panic-free early exits.
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusComplete
	StatusStopped
	StatusRemoteNotMounted
	StatusRemoteWriteFailed
	StatusPermissionDenied
	StatusDiskFull
	StatusNetworkError
	StatusVerificationFailed
	StatusGeneralError
)

var statusNames = map[Status]string{
	StatusIdle:               "idle",
	StatusRunning:            "running",
	StatusComplete:           "complete",
	StatusStopped:            "stopped",
	StatusRemoteNotMounted:   "remote-not-mounted",
	StatusRemoteWriteFailed:  "remote-write-failed",
	StatusPermissionDenied:   "permission-denied",
	StatusDiskFull:           "disk-full",
	StatusNetworkError:       "network-error",
	StatusVerificationFailed: "verification-failed",
	StatusGeneralError:       "general-error",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// Outcome pairs the terminal status with free-text detail for the operator.
type Outcome struct {
	Status Status
	Detail string
}

// StatusError is an error that already carries its terminal classification.
// Pipeline stages return it for failures whose status is known structurally,
// so the classifier never has to guess from message text.
type StatusError struct {
	Status Status
	Detail string
}

func (e *StatusError) Error() string { return e.Detail }

func fail(status Status, detail string) *StatusError {
	return &StatusError{Status: status, Detail: detail}
}

// TimeoutProfile is the immutable timeout triple selected once per run from
// the configured network quality. IO bounds each chunked remote read/write,
// Cmd bounds external commands, Probe bounds the cheap existence test.
type TimeoutProfile struct {
	IO    time.Duration
	Cmd   time.Duration
	Probe time.Duration
}

// ProfileFor maps a network-quality tier to its timeout profile. The poor
// tier is exactly three times the good tier. The terrible tier is a long but
// finite ceiling so the pipeline always terminates.
func ProfileFor(quality string) TimeoutProfile {
	switch quality {
	case config.QualityPoor:
		return TimeoutProfile{IO: 135 * time.Second, Cmd: 90 * time.Second, Probe: 30 * time.Second}
	case config.QualityTerrible:
		return TimeoutProfile{IO: 3600 * time.Second, Cmd: 1800 * time.Second, Probe: 600 * time.Second}
	default:
		return TimeoutProfile{IO: 45 * time.Second, Cmd: 30 * time.Second, Probe: 10 * time.Second}
	}
}

// EventKind discriminates the Event union.
type EventKind int

const (
	// EventLog carries one log line.
	EventLog EventKind = iota
	// EventStatusText carries a short human-readable phase description.
	EventStatusText
	// EventStep reports a state-machine transition.
	EventStep
	// EventProgress reports a 0-100 percentage for the current transfer.
	EventProgress
	// EventOutcome reports the single terminal outcome of the run.
	EventOutcome
)

// Event is the one-way message from the pipeline to its caller. RunID and
// Kind are always set; the remaining fields are populated per Kind.
type Event struct {
	RunID   uuid.UUID
	Kind    EventKind
	Line    string
	Text    string
	Step    Step
	Percent int
	Outcome Outcome
}

// Sink receives pipeline events. It is called from the run's goroutine, so
// implementations must not block for long.
type Sink func(Event)

// Params is the immutable per-run configuration snapshot. All paths are
// absolute.
type Params struct {
	ContainerPath   string
	SourceDirs      []string
	RemoteBasePath  string
	RemoteBackupDir string
	NetworkQuality  string
	AutoMountRemote bool
}

// VaultTool mounts and unmounts the encrypted container.
type VaultTool interface {
	MountPoint(ctx context.Context, containerPath string) (string, bool)
	Mount(ctx context.Context, containerPath, password string) error
	Dismount(ctx context.Context, target string) error
}

// DirSyncer copies one source directory into the mounted container.
type DirSyncer interface {
	Sync(ctx context.Context, srcDir, destDir string) error
}

// RemoteFS probes, prepares and cleans up the remote destination.
type RemoteFS interface {
	Probe(ctx context.Context, path string, timeout time.Duration) error
	EnsureDir(ctx context.Context, path string, timeout time.Duration) error
	Remove(path string, timeout time.Duration) error
	AutoMount(ctx context.Context, remotePath string, cmdTimeout, probeTimeout time.Duration) error
}

// Transfer performs the chunked copy and digest operations.
type Transfer interface {
	DigestLocal(path string, opts integrity.Options) (string, error)
	DigestRemote(path string, opts integrity.Options) (string, error)
	CopyToRemote(src, dst string, opts integrity.Options) error
}

// PasswordSource yields the container credential. Retrieval failure is a
// terminal configuration error for the run.
type PasswordSource interface {
	Get(containerKey string) (string, error)
}

// FileTransfer is the production Transfer backed by the integrity package.
type FileTransfer struct{}

func (FileTransfer) DigestLocal(path string, opts integrity.Options) (string, error) {
	return integrity.DigestLocal(path, opts)
}

func (FileTransfer) DigestRemote(path string, opts integrity.Options) (string, error) {
	return integrity.DigestRemote(path, opts)
}

func (FileTransfer) CopyToRemote(src, dst string, opts integrity.Options) error {
	return integrity.CopyToRemote(src, dst, opts)
}

// Deps bundles the pipeline's collaborators. Transfer and Cancel may be nil;
// defaults are supplied by New.
type Deps struct {
	Vault     VaultTool
	Syncer    DirSyncer
	Remote    RemoteFS
	Transfer  Transfer
	Passwords PasswordSource
	Sink      Sink
	Cancel    *cancel.Flag
}

// Runner executes one backup pipeline per call to Run.
type Runner struct {
	params    Params
	vault     VaultTool
	syncer    DirSyncer
	remote    RemoteFS
	transfer  Transfer
	passwords PasswordSource
	sink      Sink
	cancel    *cancel.Flag

	checkTools     func(names ...string) error
	checkContainer func(path string) error
	checkFreeSpace func(dir string, required uint64) error

	runID uuid.UUID
}

// New wires a Runner. The cancellation flag is shared with the caller so a
// running pipeline can be stopped from outside.
func New(params Params, deps Deps) *Runner {
	if deps.Transfer == nil {
		deps.Transfer = FileTransfer{}
	}
	if deps.Cancel == nil {
		deps.Cancel = &cancel.Flag{}
	}
	return &Runner{
		params:         params,
		vault:          deps.Vault,
		syncer:         deps.Syncer,
		remote:         deps.Remote,
		transfer:       deps.Transfer,
		passwords:      deps.Passwords,
		sink:           deps.Sink,
		cancel:         deps.Cancel,
		checkTools:     preflight.CheckToolsExist,
		checkContainer: preflight.CheckContainerExists,
		checkFreeSpace: preflight.CheckFreeSpace,
	}
}

// CancelFlag exposes the run's cancellation flag.
func (r *Runner) CancelFlag() *cancel.Flag { return r.cancel }

func (r *Runner) emit(ev Event) {
	if r.sink != nil {
		ev.RunID = r.runID
		r.sink(ev)
	}
}

func (r *Runner) logLine(line string) {
	r.emit(Event{Kind: EventLog, Line: line})
}

func (r *Runner) statusText(text string) {
	r.emit(Event{Kind: EventStatusText, Text: text})
}

func (r *Runner) setStep(s Step) {
	r.emit(Event{Kind: EventStep, Step: s})
}

func (r *Runner) progress(percent int) {
	r.emit(Event{Kind: EventProgress, Percent: percent})
}
