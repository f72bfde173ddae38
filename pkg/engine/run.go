package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/valise-backup/valise/pkg/cryptvault"
	"github.com/valise-backup/valise/pkg/dirsync"
	"github.com/valise-backup/valise/pkg/integrity"
)

// runState tracks the mutable facts the finalizer needs: which mount point
// we opened ourselves and whether it is still open.
type runState struct {
	mountPoint string
	didMount   bool
	openMount  string
}

// Run executes the pipeline once and returns its single terminal outcome.
// The outcome is also delivered through the event sink. Cancellation is
// cooperative: a requested flag is observed at the next poll point, and a
// canceled run still passes through the safety-net finalizer.
func (r *Runner) Run(ctx context.Context) Outcome {
	r.runID = uuid.New()
	profile := ProfileFor(r.params.NetworkQuality)
	st := &runState{}

	err := r.execute(ctx, profile, st)

	// Safety net: never leave a mount we opened behind, and on a failed or
	// stopped run also close a mount we merely found open. A successful run
	// leaves a pre-existing mount alone. The result is logged and never
	// changes the outcome.
	if st.openMount != "" && (st.didMount || err != nil || r.cancel.Requested()) {
		r.logLine(fmt.Sprintf("Safety net: dismounting %s", st.openMount))
		dctx, done := context.WithTimeout(context.WithoutCancel(ctx), profile.Cmd)
		if derr := r.vault.Dismount(dctx, st.openMount); derr != nil {
			r.logLine(fmt.Sprintf("Warning: safety dismount failed: %v", derr))
		} else {
			st.openMount = ""
		}
		done()
	}

	var out Outcome
	switch {
	case r.cancel.Requested():
		// A user stop wins over any other pending classification.
		out = Outcome{Status: StatusStopped, Detail: "backup stopped by user"}
	case err != nil:
		out = Classify(err, r.params.RemoteBasePath)
	default:
		r.setStep(StepDone)
		out = Outcome{Status: StatusComplete, Detail: "backup complete"}
		r.statusText("Backup complete!")
	}

	r.emit(Event{Kind: EventOutcome, Outcome: out})
	return out
}

func (r *Runner) execute(ctx context.Context, tp TimeoutProfile, st *runState) error {
	r.setStep(StepStarting)
	r.statusText("Starting backup...")
	if err := r.checkTools(cryptvault.Binary, dirsync.Binary); err != nil {
		return fail(StatusGeneralError, fmt.Sprintf("required tool missing: %v", err))
	}

	if err := r.ensureMounted(ctx, tp, st); err != nil {
		return err
	}

	r.setStep(StepRsyncing)
	for _, dir := range r.params.SourceDirs {
		if err := r.cancel.Check(); err != nil {
			return err
		}
		if _, err := os.Stat(dir); err != nil {
			r.logLine(fmt.Sprintf("Skipping missing source directory %s", dir))
			continue
		}
		r.statusText(fmt.Sprintf("Syncing %s...", filepath.Base(dir)))
		if err := r.syncer.Sync(ctx, dir, st.mountPoint); err != nil {
			// A failed directory must not block its siblings. A partial
			// local backup beats none at all.
			r.logLine(fmt.Sprintf("Warning: sync of %s failed, continuing: %v", dir, err))
		}
	}

	if st.didMount {
		r.setStep(StepUnmounting)
		r.statusText("Unmounting container...")
		uctx, done := context.WithTimeout(ctx, tp.Cmd)
		err := r.vault.Dismount(uctx, st.mountPoint)
		done()
		if err != nil {
			r.logLine(fmt.Sprintf("Warning: dismount failed, the safety net will retry: %v", err))
		} else {
			st.openMount = ""
		}
	}

	if r.params.RemoteBasePath == "" {
		r.logLine("No remote destination configured; finished after local sync.")
		return nil
	}

	if err := r.cancel.Check(); err != nil {
		return err
	}
	destDir, err := r.prepareRemote(ctx, tp)
	if err != nil {
		return err
	}

	r.setStep(StepCopyingToRemote)
	dst := filepath.Join(destDir, filepath.Base(r.params.ContainerPath))
	opts := integrity.Options{
		IOTimeout: tp.IO,
		Cancel:    r.cancel,
		Status:    r.statusText,
		Progress:  r.progress,
		Log:       r.logLine,
	}
	if err := r.transfer.CopyToRemote(r.params.ContainerPath, dst, opts); err != nil {
		return err
	}

	r.setStep(StepVerifyingHash)
	return r.verifyCopy(ctx, tp, dst, opts)
}

// ensureMounted resolves an existing mount or mounts the container itself.
// When the container is already mounted the pipeline must not mount and,
// later, must not unmount it.
func (r *Runner) ensureMounted(ctx context.Context, tp TimeoutProfile, st *runState) error {
	r.setStep(StepCheckingMount)
	r.statusText("Checking container mount...")

	cctx, done := context.WithTimeout(ctx, tp.Cmd)
	mp, mounted := r.vault.MountPoint(cctx, r.params.ContainerPath)
	done()
	if mounted {
		st.mountPoint = mp
		st.openMount = mp
		r.logLine(fmt.Sprintf("Container already mounted at %s", mp))
		return nil
	}

	if err := r.cancel.Check(); err != nil {
		return err
	}
	r.setStep(StepMounting)
	if err := r.checkContainer(r.params.ContainerPath); err != nil {
		return fail(StatusGeneralError, fmt.Sprintf("container not found: %v", err))
	}
	password, err := r.passwords.Get(r.params.ContainerPath)
	if err != nil {
		return fail(StatusGeneralError, fmt.Sprintf("no password available for %s: %v", r.params.ContainerPath, err))
	}

	r.statusText("Mounting encrypted container...")
	mctx, done := context.WithTimeout(ctx, tp.Cmd)
	err = r.vault.Mount(mctx, r.params.ContainerPath, password)
	done()
	if err != nil {
		return fail(StatusGeneralError, fmt.Sprintf("could not mount container: %v", err))
	}
	st.didMount = true

	rctx, done := context.WithTimeout(ctx, tp.Cmd)
	mp, mounted = r.vault.MountPoint(rctx, r.params.ContainerPath)
	done()
	if !mounted {
		// The mount command reported success but the container is not in
		// the listing. Undo the mount best-effort and give up.
		uctx, undone := context.WithTimeout(ctx, tp.Cmd)
		_ = r.vault.Dismount(uctx, r.params.ContainerPath)
		undone()
		st.didMount = false
		return fail(StatusGeneralError, "could not determine mount point after mounting")
	}
	st.mountPoint = mp
	st.openMount = mp
	r.logLine(fmt.Sprintf("Container mounted at %s", mp))
	return nil
}

// prepareRemote probes the remote base path, optionally auto-mounts it, and
// ensures the backup subdirectory exists. Returns the destination directory.
func (r *Runner) prepareRemote(ctx context.Context, tp TimeoutProfile) (string, error) {
	r.setStep(StepPreparingRemote)
	r.statusText("Checking remote destination...")

	if err := r.remote.Probe(ctx, r.params.RemoteBasePath, tp.Probe); err != nil {
		if !r.params.AutoMountRemote {
			return "", fail(StatusRemoteNotMounted, fmt.Sprintf("remote path %s is not mounted: %v", r.params.RemoteBasePath, err))
		}
		r.logLine("Remote destination not reachable, attempting to mount it...")
		if merr := r.remote.AutoMount(ctx, r.params.RemoteBasePath, tp.Cmd, tp.Probe); merr != nil {
			return "", fail(StatusRemoteNotMounted, fmt.Sprintf("remote path %s is not mounted: %v", r.params.RemoteBasePath, merr))
		}
		r.logLine("Remote destination mounted.")
	}

	destDir := filepath.Join(r.params.RemoteBasePath, r.params.RemoteBackupDir)
	if err := r.remote.EnsureDir(ctx, destDir, tp.Cmd); err != nil {
		return "", fail(StatusRemoteWriteFailed, fmt.Sprintf("could not create remote backup directory %s: %v", destDir, err))
	}

	// Best-effort capacity check before committing to a long copy. The
	// shortfall is classified here, not by message matching: the message
	// embeds the remote path, which would read as a write failure.
	if info, err := os.Stat(r.params.ContainerPath); err == nil {
		if err := r.checkFreeSpace(r.params.RemoteBasePath, uint64(info.Size())); err != nil {
			return "", fail(StatusDiskFull, err.Error())
		}
	}
	return destDir, nil
}

// verifyCopy digests both sides of the copy and deletes the remote file on
// mismatch. The local digest runs unguarded; the remote one is bounded.
func (r *Runner) verifyCopy(ctx context.Context, tp TimeoutProfile, dst string, remoteOpts integrity.Options) error {
	r.statusText("Verifying backup integrity...")

	localOpts := remoteOpts
	localOpts.IOTimeout = 0
	localSum, err := r.transfer.DigestLocal(r.params.ContainerPath, localOpts)
	if err != nil {
		return err
	}
	remoteSum, err := r.transfer.DigestRemote(dst, remoteOpts)
	if err != nil {
		return err
	}

	if localSum == "" || remoteSum == "" || localSum != remoteSum {
		r.logLine(fmt.Sprintf("Hash mismatch (local %s, remote %s), deleting corrupt remote copy", localSum, remoteSum))
		if derr := r.remote.Remove(dst, tp.IO); derr != nil {
			r.logLine(fmt.Sprintf("Warning: could not delete corrupt remote copy: %v", derr))
		}
		return fail(StatusVerificationFailed, fmt.Sprintf("hash verification failed for %s", dst))
	}
	r.logLine(fmt.Sprintf("Backup verified, sha256 %s", localSum))
	return nil
}
