package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apex-sim/internal/storage"
)

// fakeStorage implements storage.Client in memory, recording uploads so
// tests can assert on what got persisted without touching S3.
type fakeStorage struct {
	uploaded map[string][]byte
}

func newFakeStorage() *fakeStorage { return &fakeStorage{uploaded: map[string][]byte{}} }

func (f *fakeStorage) CloneExperiment(ctx context.Context, token, experimentID, destDir string, excludeGlobs []string) error {
	return nil
}
func (f *fakeStorage) PutFile(ctx context.Context, token, experimentID, name string, data []byte, contentType string) error {
	f.uploaded[name] = data
	return nil
}
func (f *fakeStorage) GetFile(ctx context.Context, token, experimentID, name string, byName bool) ([]byte, error) {
	return f.uploaded[name], nil
}
func (f *fakeStorage) ListFiles(ctx context.Context, token, experimentID string, includeFolders bool) ([]storage.Entry, error) {
	return nil, nil
}

func TestPersistLogsZipsAndUploads(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "simulation_0.log"), []byte("hello"), 0o644))

	fs := newFakeStorage()
	s := New(Config{SimID: 0, ExperimentID: "exp-a", Token: "tok", Storage: fs}, nil)
	s.simDir = dir

	require.NoError(t, s.persistLogs(context.Background()))
	assert.Contains(t, fs.uploaded, "simulation_0.log.zip")
	assert.NotEmpty(t, fs.uploaded["simulation_0.log.zip"])
}

func TestPersistLogsNoopWhenNoLogs(t *testing.T) {
	dir := t.TempDir()
	fs := newFakeStorage()
	s := New(Config{SimID: 1, Storage: fs}, nil)
	s.simDir = dir

	require.NoError(t, s.persistLogs(context.Background()))
	assert.Empty(t, fs.uploaded)
}

func TestGracefulTerminationDoesNotEscalateToFailed(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "ignore_term.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ntrap '' TERM\nsleep 30\n"), 0o755))

	failCh := make(chan struct{}, 1)
	s := New(Config{
		SimID:        2,
		SimserverBin: script,
		SimDirParent: dir,
		Private:      true,
		Storage:      newFakeStorage(),
		OnFail:       func(ctx context.Context) error { failCh <- struct{}{}; return nil },
	}, nil)

	require.NoError(t, s.initialize(context.Background()))
	require.NotNil(t, s.cmd.Process)

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, s.stop(context.Background()))
	}()

	select {
	case <-done:
	case <-time.After(TermGracePeriod + 5*time.Second):
		t.Fatal("stop did not return within the test's patience window")
	}

	// The child ignores SIGTERM; the escalation to SIGKILL must still
	// complete the teardown without ever routing through OnFail, since
	// terminating was set before the first signal was sent (B3 guard).
	select {
	case <-failCh:
		t.Fatal("OnFail must not be invoked during a deliberate termination")
	default:
	}
	_, err := os.Stat(s.simDir)
	assert.True(t, os.IsNotExist(err), "sim dir should be removed after stop")
}
