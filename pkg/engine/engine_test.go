package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valise-backup/valise/pkg/cancel"
	"github.com/valise-backup/valise/pkg/integrity"
	"github.com/valise-backup/valise/pkg/watchdog"
)

// --- stub collaborators ---

type stubVault struct {
	mountedAt       string
	mountPointAfter string
	mountErr        error
	dismountErr     error

	listCalls     int
	mountCalls    int
	dismountCalls int
}

func (v *stubVault) MountPoint(_ context.Context, _ string) (string, bool) {
	v.listCalls++
	if v.mountedAt != "" {
		return v.mountedAt, true
	}
	return "", false
}

func (v *stubVault) Mount(_ context.Context, _, _ string) error {
	v.mountCalls++
	if v.mountErr != nil {
		return v.mountErr
	}
	v.mountedAt = v.mountPointAfter
	return nil
}

func (v *stubVault) Dismount(_ context.Context, _ string) error {
	v.dismountCalls++
	v.mountedAt = ""
	return v.dismountErr
}

type stubSyncer struct {
	calls  []string
	failOn string
	onSync func(src string)
}

func (s *stubSyncer) Sync(_ context.Context, src, _ string) error {
	s.calls = append(s.calls, src)
	if s.onSync != nil {
		s.onSync(src)
	}
	if s.failOn != "" && strings.Contains(src, s.failOn) {
		return errors.New("rsync exited with code 23")
	}
	return nil
}

type stubRemote struct {
	probeErr     error
	autoMountErr error
	ensureErr    error
	removeErr    error

	probeCalls     int
	autoMountCalls int
	ensureCalls    int
	ensureTimeout  time.Duration
	removed        []string
}

func (r *stubRemote) Probe(_ context.Context, _ string, _ time.Duration) error {
	r.probeCalls++
	return r.probeErr
}

func (r *stubRemote) EnsureDir(_ context.Context, _ string, timeout time.Duration) error {
	r.ensureCalls++
	r.ensureTimeout = timeout
	return r.ensureErr
}

func (r *stubRemote) Remove(path string, _ time.Duration) error {
	r.removed = append(r.removed, path)
	return r.removeErr
}

func (r *stubRemote) AutoMount(_ context.Context, _ string, _, _ time.Duration) error {
	r.autoMountCalls++
	if r.autoMountErr != nil {
		return r.autoMountErr
	}
	r.probeErr = nil
	return nil
}

type stubTransfer struct {
	copyErr   error
	localSum  string
	remoteSum string
	localErr  error
	remoteErr error

	copies int
}

func (t *stubTransfer) CopyToRemote(_, _ string, opts integrity.Options) error {
	t.copies++
	if t.copyErr != nil {
		return t.copyErr
	}
	if opts.Progress != nil {
		opts.Progress(50)
		opts.Progress(100)
		opts.Progress(0)
	}
	return nil
}

func (t *stubTransfer) DigestLocal(_ string, _ integrity.Options) (string, error) {
	return t.localSum, t.localErr
}

func (t *stubTransfer) DigestRemote(_ string, _ integrity.Options) (string, error) {
	return t.remoteSum, t.remoteErr
}

type stubPasswords struct {
	password string
	err      error
}

func (p *stubPasswords) Get(_ string) (string, error) { return p.password, p.err }

type recorder struct {
	steps    []Step
	progress []int
	lines    []string
	outcomes []Outcome
}

func (rec *recorder) sink(ev Event) {
	switch ev.Kind {
	case EventStep:
		rec.steps = append(rec.steps, ev.Step)
	case EventProgress:
		rec.progress = append(rec.progress, ev.Percent)
	case EventLog:
		rec.lines = append(rec.lines, ev.Line)
	case EventOutcome:
		rec.outcomes = append(rec.outcomes, ev.Outcome)
	}
}

type fixture struct {
	vault     *stubVault
	syncer    *stubSyncer
	remote    *stubRemote
	transfer  *stubTransfer
	passwords *stubPasswords
	rec       *recorder
	flag      *cancel.Flag
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		vault:     &stubVault{mountPointAfter: t.TempDir()},
		syncer:    &stubSyncer{},
		remote:    &stubRemote{},
		transfer:  &stubTransfer{localSum: "abc123", remoteSum: "abc123"},
		passwords: &stubPasswords{password: "hunter2"},
		rec:       &recorder{},
		flag:      &cancel.Flag{},
	}
}

func (f *fixture) runner(params Params) *Runner {
	r := New(params, Deps{
		Vault:     f.vault,
		Syncer:    f.syncer,
		Remote:    f.remote,
		Transfer:  f.transfer,
		Passwords: f.passwords,
		Sink:      f.rec.sink,
		Cancel:    f.flag,
	})
	r.checkTools = func(...string) error { return nil }
	r.checkContainer = func(string) error { return nil }
	r.checkFreeSpace = func(string, uint64) error { return nil }
	return r
}

func testParams(t *testing.T, sourceDirs int) Params {
	t.Helper()
	dirs := make([]string, sourceDirs)
	for i := range dirs {
		dirs[i] = t.TempDir()
	}
	return Params{
		ContainerPath:   filepath.Join(t.TempDir(), "vault.hc"),
		SourceDirs:      dirs,
		RemoteBasePath:  "/run/user/1000/gvfs/sftp:host=nas",
		RemoteBackupDir: "backups",
		NetworkQuality:  "good",
	}
}

// --- tests ---

func TestProfileTiers(t *testing.T) {
	good := ProfileFor("good")
	poor := ProfileFor("poor")
	terrible := ProfileFor("terrible")

	assert.Equal(t, 3*good.IO, poor.IO)
	assert.Equal(t, 3*good.Cmd, poor.Cmd)
	assert.Equal(t, 3*good.Probe, poor.Probe)

	assert.Greater(t, terrible.IO, poor.IO)
	assert.Greater(t, terrible.Cmd, poor.Cmd)
	assert.Greater(t, terrible.Probe, poor.Probe)

	// Unknown tiers fall back to the fastest profile.
	assert.Equal(t, good, ProfileFor("excellent"))
}

func TestRunCompleteEndToEnd(t *testing.T) {
	f := newFixture(t)
	params := testParams(t, 2)
	out := f.runner(params).Run(context.Background())

	assert.Equal(t, StatusComplete, out.Status)
	assert.Equal(t, 1, f.vault.mountCalls)
	assert.Equal(t, 1, f.vault.dismountCalls)
	assert.Len(t, f.syncer.calls, 2)
	assert.Equal(t, 1, f.transfer.copies)
	// The mkdir is a command, bounded like one.
	assert.Equal(t, ProfileFor(params.NetworkQuality).Cmd, f.remote.ensureTimeout)

	// Progress peaks at 100 and resets to 0 after the copy.
	require.NotEmpty(t, f.rec.progress)
	n := len(f.rec.progress)
	assert.Equal(t, 100, f.rec.progress[n-2])
	assert.Equal(t, 0, f.rec.progress[n-1])

	require.NotEmpty(t, f.rec.steps)
	assert.Equal(t, StepDone, f.rec.steps[len(f.rec.steps)-1])
	require.Len(t, f.rec.outcomes, 1)
	assert.Equal(t, StatusComplete, f.rec.outcomes[0].Status)
}

func TestRunSkipsMountWhenAlreadyMounted(t *testing.T) {
	f := newFixture(t)
	f.vault.mountedAt = t.TempDir()

	params := testParams(t, 1)
	params.RemoteBasePath = ""
	params.RemoteBackupDir = ""
	out := f.runner(params).Run(context.Background())

	assert.Equal(t, StatusComplete, out.Status)
	assert.Zero(t, f.vault.mountCalls)
	assert.Zero(t, f.vault.dismountCalls)
	assert.NotContains(t, f.rec.steps, StepMounting)
	assert.NotContains(t, f.rec.steps, StepUnmounting)
}

func TestRunLocalOnlySkipsRemoteSteps(t *testing.T) {
	f := newFixture(t)
	params := testParams(t, 1)
	params.RemoteBasePath = ""
	params.RemoteBackupDir = ""
	out := f.runner(params).Run(context.Background())

	assert.Equal(t, StatusComplete, out.Status)
	assert.Zero(t, f.remote.probeCalls)
	assert.Zero(t, f.transfer.copies)
	assert.NotContains(t, f.rec.steps, StepPreparingRemote)
}

func TestRunRemoteNotMountedWithoutAutoMount(t *testing.T) {
	f := newFixture(t)
	f.remote.probeErr = errors.New("stat failed")

	params := testParams(t, 1)
	params.AutoMountRemote = false
	out := f.runner(params).Run(context.Background())

	assert.Equal(t, StatusRemoteNotMounted, out.Status)
	assert.Zero(t, f.remote.autoMountCalls)
	assert.Zero(t, f.transfer.copies)

	// The local half of the backup still ran to completion.
	assert.Equal(t, 1, f.vault.mountCalls)
	assert.Equal(t, 1, f.vault.dismountCalls)
	assert.Len(t, f.syncer.calls, 1)
}

func TestRunAutoMountRecoversRemote(t *testing.T) {
	f := newFixture(t)
	f.remote.probeErr = errors.New("stat failed")

	params := testParams(t, 1)
	params.AutoMountRemote = true
	out := f.runner(params).Run(context.Background())

	assert.Equal(t, StatusComplete, out.Status)
	assert.Equal(t, 1, f.remote.autoMountCalls)
	assert.Equal(t, 1, f.transfer.copies)
}

func TestRunAutoMountFailureIsRemoteNotMounted(t *testing.T) {
	f := newFixture(t)
	f.remote.probeErr = errors.New("stat failed")
	f.remote.autoMountErr = errors.New("no credentials")

	params := testParams(t, 1)
	params.AutoMountRemote = true
	out := f.runner(params).Run(context.Background())

	assert.Equal(t, StatusRemoteNotMounted, out.Status)
	assert.Zero(t, f.transfer.copies)
}

func TestRunPartialSyncContinues(t *testing.T) {
	f := newFixture(t)
	params := testParams(t, 3)
	params.RemoteBasePath = ""
	params.RemoteBackupDir = ""
	f.syncer.failOn = params.SourceDirs[1]

	out := f.runner(params).Run(context.Background())

	assert.Equal(t, StatusComplete, out.Status)
	assert.Len(t, f.syncer.calls, 3)
	assert.Contains(t, f.rec.steps, StepUnmounting)
}

func TestRunStoppedWinsOverPendingErrors(t *testing.T) {
	f := newFixture(t)
	// The probe would fail, but the user stops the run during sync. The
	// recorded outcome must be Stopped, not RemoteNotMounted.
	f.remote.probeErr = errors.New("stat failed")
	f.syncer.onSync = func(string) { f.flag.Request() }

	params := testParams(t, 1)
	params.AutoMountRemote = false
	out := f.runner(params).Run(context.Background())

	assert.Equal(t, StatusStopped, out.Status)
	assert.Zero(t, f.remote.probeCalls)
	// A canceled run still unmounts what it mounted.
	assert.Equal(t, 1, f.vault.mountCalls)
	assert.GreaterOrEqual(t, f.vault.dismountCalls, 1)
}

func TestRunVerificationMismatchDeletesCopy(t *testing.T) {
	f := newFixture(t)
	f.transfer.remoteSum = "deadbeef"

	params := testParams(t, 1)
	out := f.runner(params).Run(context.Background())

	assert.Equal(t, StatusVerificationFailed, out.Status)
	require.Len(t, f.remote.removed, 1)
	assert.Equal(t, filepath.Base(params.ContainerPath), filepath.Base(f.remote.removed[0]))
}

func TestRunEmptyDigestFailsVerification(t *testing.T) {
	f := newFixture(t)
	f.transfer.localSum = ""
	f.transfer.remoteSum = ""

	out := f.runner(testParams(t, 1)).Run(context.Background())
	assert.Equal(t, StatusVerificationFailed, out.Status)
}

func TestRunMkdirFailureIsRemoteWriteFailed(t *testing.T) {
	f := newFixture(t)
	f.remote.ensureErr = errors.New("mkdir exited with code 1")

	out := f.runner(testParams(t, 1)).Run(context.Background())
	assert.Equal(t, StatusRemoteWriteFailed, out.Status)
	assert.Zero(t, f.transfer.copies)
}

func TestRunUnresolvedMountPointFailsWithSafetyDismount(t *testing.T) {
	f := newFixture(t)
	// Mount reports success but the container never shows up in the listing.
	f.vault.mountPointAfter = ""

	out := f.runner(testParams(t, 1)).Run(context.Background())

	assert.Equal(t, StatusGeneralError, out.Status)
	assert.Contains(t, out.Detail, "mount point")
	assert.Equal(t, 1, f.vault.mountCalls)
	assert.Equal(t, 1, f.vault.dismountCalls)
	assert.Empty(t, f.syncer.calls)
}

func TestRunMissingPasswordIsGeneralError(t *testing.T) {
	f := newFixture(t)
	f.passwords.err = errors.New("no password stored for this container")

	out := f.runner(testParams(t, 1)).Run(context.Background())

	assert.Equal(t, StatusGeneralError, out.Status)
	assert.Zero(t, f.vault.mountCalls)
}

func TestRunMissingToolIsGeneralError(t *testing.T) {
	f := newFixture(t)
	r := f.runner(testParams(t, 1))
	r.checkTools = func(...string) error { return errors.New("veracrypt not found in PATH") }

	out := r.Run(context.Background())
	assert.Equal(t, StatusGeneralError, out.Status)
	assert.Zero(t, f.vault.listCalls)
}

func TestRunSkipsMissingSourceDirs(t *testing.T) {
	f := newFixture(t)
	params := testParams(t, 2)
	params.SourceDirs[0] = filepath.Join(t.TempDir(), "gone")
	params.RemoteBasePath = ""
	params.RemoteBackupDir = ""

	out := f.runner(params).Run(context.Background())

	assert.Equal(t, StatusComplete, out.Status)
	require.Len(t, f.syncer.calls, 1)
	assert.Equal(t, params.SourceDirs[1], f.syncer.calls[0])
}

func TestRunFreeSpaceShortfallIsDiskFull(t *testing.T) {
	f := newFixture(t)
	params := testParams(t, 1)
	require.NoError(t, os.WriteFile(params.ContainerPath, []byte("vault"), 0600))

	r := f.runner(params)
	// The real check's message embeds the remote path; the classification
	// must still be DiskFull, not a remote write failure.
	r.checkFreeSpace = func(dir string, _ uint64) error {
		return fmt.Errorf("insufficient space on %s: 1.0 MiB available, 2.0 GiB required (disk full)", dir)
	}

	out := r.Run(context.Background())
	assert.Equal(t, StatusDiskFull, out.Status)
	assert.Contains(t, out.Detail, params.RemoteBasePath)
	assert.Zero(t, f.transfer.copies)
}

func TestRunFailureDismountsPreexistingMount(t *testing.T) {
	f := newFixture(t)
	// The vault was already open before the run. When the run ends in a
	// failure the finalizer still closes it; a successful run leaves it
	// alone (covered by TestRunSkipsMountWhenAlreadyMounted).
	f.vault.mountedAt = t.TempDir()
	f.remote.probeErr = errors.New("stat failed")

	params := testParams(t, 1)
	params.AutoMountRemote = false
	out := f.runner(params).Run(context.Background())

	assert.Equal(t, StatusRemoteNotMounted, out.Status)
	assert.Zero(t, f.vault.mountCalls)
	assert.Equal(t, 1, f.vault.dismountCalls)
}

func TestClassify(t *testing.T) {
	remoteBase := "/run/user/1000/gvfs/sftp:host=nas"

	cases := []struct {
		name string
		err  error
		want Status
	}{
		{"nil is complete", nil, StatusComplete},
		{"canceled", cancel.ErrCanceled, StatusStopped},
		{"wrapped canceled", errors.Join(errors.New("sync aborted"), cancel.ErrCanceled), StatusStopped},
		{"status error passthrough", fail(StatusRemoteNotMounted, "remote gone"), StatusRemoteNotMounted},
		{"watchdog timeout", &watchdog.TimeoutError{Op: "open remote file", Bound: time.Second}, StatusRemoteNotMounted},
		{"remote io error", &integrity.IOError{Path: remoteBase + "/b/vault.hc", Remote: true, Op: "write", Cause: errors.New("input/output error")}, StatusRemoteWriteFailed},
		// The remote side outranks the permission and disk-space keywords.
		{"remote io no space", &integrity.IOError{Path: remoteBase + "/b/vault.hc", Remote: true, Op: "write", Cause: errors.New("no space left on device")}, StatusRemoteWriteFailed},
		{"remote io permission", &integrity.IOError{Path: remoteBase + "/b/vault.hc", Remote: true, Op: "open", Cause: errors.New("permission denied")}, StatusRemoteWriteFailed},
		{"local io permission", &integrity.IOError{Path: "/home/u/vault.hc", Remote: false, Op: "open", Cause: errors.New("permission denied")}, StatusPermissionDenied},
		{"plain permission denied", errors.New("open /etc/x: permission denied"), StatusPermissionDenied},
		{"plain disk full", errors.New("write failed: disk full"), StatusDiskFull},
		{"plain network", errors.New("connection reset by peer"), StatusNetworkError},
		{"remote mention with hang", errors.New("operation on " + remoteBase + " timed out after 45s"), StatusRemoteNotMounted},
		{"remote mention alone", errors.New("cannot write to " + remoteBase + "/backups"), StatusRemoteWriteFailed},
		{"anything else", errors.New("exit status 1"), StatusGeneralError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := Classify(tc.err, remoteBase)
			assert.Equal(t, tc.want, out.Status)
		})
	}
}

func TestStepAndStatusNames(t *testing.T) {
	assert.Equal(t, "copying-to-remote", StepCopyingToRemote.String())
	assert.Equal(t, "remote-not-mounted", StatusRemoteNotMounted.String())
	assert.Equal(t, "unknown", Step(99).String())
	assert.Equal(t, "unknown", Status(99).String())
}
