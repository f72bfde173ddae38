package remotefs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valise-backup/valise/pkg/cmdrun"
)

// fakeRunner answers each invocation from a scripted queue; an empty queue
// means success.
type fakeRunner struct {
	errs []error
	argv [][]string
}

func (f *fakeRunner) Run(_ context.Context, argv []string, _ cmdrun.Elevation, _ cmdrun.LineFilter) (*cmdrun.Result, error) {
	f.argv = append(f.argv, argv)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &cmdrun.Result{}, nil
}

func newTestFS(runner *fakeRunner) *RemoteFS {
	fs := New(runner, nil)
	fs.sleep = func(time.Duration) {}
	return fs
}

func TestProbeRunsExistenceTest(t *testing.T) {
	runner := &fakeRunner{}
	fs := newTestFS(runner)

	require.NoError(t, fs.Probe(context.Background(), "/run/user/1000/gvfs/gd", time.Second))
	require.Len(t, runner.argv, 1)
	assert.Equal(t, []string{"test", "-d", "/run/user/1000/gvfs/gd"}, runner.argv[0])
}

func TestEnsureDir(t *testing.T) {
	runner := &fakeRunner{}
	fs := newTestFS(runner)

	require.NoError(t, fs.EnsureDir(context.Background(), "/gvfs/gd/backups", time.Second))
	assert.Equal(t, []string{"mkdir", "-p", "/gvfs/gd/backups"}, runner.argv[0])

	runner.errs = []error{errors.New("exit status 1")}
	assert.Error(t, fs.EnsureDir(context.Background(), "/gvfs/gd/backups", time.Second))
}

func TestRemove(t *testing.T) {
	fs := newTestFS(&fakeRunner{})
	path := filepath.Join(t.TempDir(), "corrupt.hc")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	require.NoError(t, fs.Remove(path, time.Second))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestAutoMountPollsUntilAccessible(t *testing.T) {
	path := "/run/user/1000/gvfs/google-drive:host=gmail.com,user=jane/backups"
	// gio mount succeeds, first two probes fail, third succeeds.
	runner := &fakeRunner{errs: []error{nil, errors.New("exit 1"), errors.New("exit 1"), nil}}
	fs := newTestFS(runner)

	require.NoError(t, fs.AutoMount(context.Background(), path, time.Second, time.Second))
	require.GreaterOrEqual(t, len(runner.argv), 2)
	assert.Equal(t, []string{"gio", "mount", "google-drive://jane@gmail.com/"}, runner.argv[0])
	assert.Equal(t, []string{"test", "-d", path}, runner.argv[1])
}

func TestAutoMountGivesUpAfterAllPolls(t *testing.T) {
	path := "/run/user/1000/gvfs/google-drive:host=gmail.com,user=jane/backups"
	errs := []error{nil} // mount ok
	for i := 0; i < pollAttempts; i++ {
		errs = append(errs, errors.New("exit 1"))
	}
	fs := newTestFS(&fakeRunner{errs: errs})

	err := fs.AutoMount(context.Background(), path, time.Second, time.Second)
	assert.ErrorContains(t, err, "never became accessible")
}

func TestAutoMountFailsOnUnparseablePath(t *testing.T) {
	fs := newTestFS(&fakeRunner{})
	err := fs.AutoMount(context.Background(), "/mnt/plain-old-dir", time.Second, time.Second)
	assert.Error(t, err)
}

func TestAutoMountFailsWhenMountCommandFails(t *testing.T) {
	path := "/run/user/1000/gvfs/google-drive:host=gmail.com,user=jane/backups"
	fs := newTestFS(&fakeRunner{errs: []error{errors.New("exit 1")}})

	err := fs.AutoMount(context.Background(), path, time.Second, time.Second)
	assert.ErrorContains(t, err, "mount attempt failed")
}
