// Package supervisor implements the Worker Supervisor (C4): it lives in
// the backend process, one instance per simulation record, and provides
// the initialize/start/pause/stop/fail hooks consumed by that record's
// lifecycle FSM.
package supervisor

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"apex-sim/internal/lifecycle"
	"apex-sim/internal/storage"
)

// excludeGlobs are the paths never cloned into a staged sim directory.
var excludeGlobs = []string{"*.log", "*.log.zip", "logs/", "__pycache__/"}

// TermGracePeriod is T_term, the bound on each half of the graceful
// termination protocol.
const TermGracePeriod = 30 * time.Second

// FailFunc is invoked by the monitor goroutine when the child exits
// unexpectedly; it is the backend FSM's Accept(ctx, lifecycle.Fail).
type FailFunc func(ctx context.Context) error

// Config wires one Supervisor instance to its simulation's identity and
// collaborators.
type Config struct {
	SimID            int
	ExperimentID     string
	MainScript       string
	ExperimentConfig string
	Token            string
	Private          bool
	SimDirParent     string // parent of the NRP_SIMULATION_DIR symlink
	SimDirSymlink    string // NRP_SIMULATION_DIR
	SimserverBin     string // path to the compiled worker entrypoint
	Verbose          bool

	Storage storage.Client
	OnFail  FailFunc
}

// Supervisor is one backend-side worker supervision instance.
type Supervisor struct {
	cfg cfgWithDefaults
	log *zap.Logger

	simDir      string
	cmd         *exec.Cmd
	logFile     *os.File
	terminating atomic.Bool
	monitorDone chan struct{}
}

type cfgWithDefaults = Config

func New(cfg Config, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{cfg: cfg, log: log}
}

// SimDir implements registry.Stoppable.
func (s *Supervisor) SimDir() string { return s.simDir }

// Hooks returns the lifecycle.Hooks capability set wired to this
// supervisor's methods — the mechanism by which C4 plugs into C1
// without inheritance (§9).
func (s *Supervisor) Hooks() lifecycle.Hooks {
	return lifecycle.Hooks{
		Initialize: s.initialize,
		Start:      noop,
		Pause:      noop,
		Stop:       s.stop,
		Fail:       s.fail,
	}
}

func noop(ctx context.Context) error { return nil }

func (s *Supervisor) simDirName() string {
	return fmt.Sprintf("nrp.%d.%d", s.cfg.SimID, time.Now().UnixNano()%1_000_000)
}

// initialize stages the sim directory, clones experiment files, and
// spawns the worker child (§4.4 "initialize").
func (s *Supervisor) initialize(ctx context.Context) error {
	if !s.cfg.Private {
		return fmt.Errorf("user error: only private experiments are supported")
	}

	simDir := filepath.Join(s.cfg.SimDirParent, s.simDirName())
	if err := os.MkdirAll(simDir, 0o755); err != nil {
		return fmt.Errorf("server error: create sim dir: %w", err)
	}
	s.simDir = simDir

	if s.cfg.SimDirSymlink != "" {
		_ = os.Remove(s.cfg.SimDirSymlink) // clear a stale link; ENOENT is fine
		if err := os.Symlink(simDir, s.cfg.SimDirSymlink); err != nil {
			return fmt.Errorf("server error: symlink sim dir: %w", err)
		}
	}

	if s.cfg.Storage != nil {
		if err := s.cfg.Storage.CloneExperiment(ctx, s.cfg.Token, s.cfg.ExperimentID, simDir, excludeGlobs); err != nil {
			return fmt.Errorf("server error: clone experiment: %w", err)
		}
	}

	logPath := filepath.Join(simDir, fmt.Sprintf("simulation_%d.log", s.cfg.SimID))
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("server error: create log file: %w", err)
	}
	s.logFile = logFile

	args := []string{
		"--dir", simDir,
		"--id", strconv.Itoa(s.cfg.SimID),
		"--script", s.cfg.MainScript,
		"--config", s.cfg.ExperimentConfig,
	}
	if s.cfg.Verbose {
		args = append(args, "--verbose")
	}

	bin := s.cfg.SimserverBin
	if bin == "" {
		bin, err = exec.LookPath("simserver")
		if err != nil {
			logFile.Close()
			return fmt.Errorf("server error: locate simserver binary: %w", err)
		}
	}

	cmd := exec.CommandContext(context.Background(), bin, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("server error: spawn worker: %w", err)
	}
	s.cmd = cmd
	s.monitorDone = make(chan struct{})

	go s.monitor()

	return nil
}

// monitor is the hard part (§4.4): blocks on Wait, classifies the exit,
// and escalates to failed() unless we are the ones tearing the child
// down.
func (s *Supervisor) monitor() {
	defer close(s.monitorDone)
	err := s.cmd.Wait()
	defer func() {
		if s.logFile != nil {
			s.logFile.Close()
		}
	}()

	if s.terminating.Load() {
		return
	}

	unexpected := false
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				if status.Signaled() {
					unexpected = true // any signal is alien if we weren't terminating
				} else if ServerExitCode(status.ExitStatus()) != NoError {
					unexpected = true
				}
			} else {
				unexpected = true
			}
		} else {
			unexpected = true
		}
	}

	if unexpected && s.cfg.OnFail != nil {
		s.log.Warn("worker exited unexpectedly, escalating to failed", zap.Int("sim_id", s.cfg.SimID))
		if failErr := s.cfg.OnFail(context.Background()); failErr != nil {
			s.log.Error("failed-escalation trigger itself failed", zap.Error(failErr))
		}
	}
}

// stop performs the graceful termination protocol (§4.4 "stop").
func (s *Supervisor) stop(ctx context.Context) error {
	s.terminating.Store(true) // set BEFORE signaling — guards against the
	// monitor racing failed() into a deadlock with this very call (B3);
	// the original implementation this is grounded on declares but never
	// sets this flag, which is a latent bug fixed here.

	if s.cmd != nil && s.cmd.Process != nil {
		s.signalGroup(syscall.SIGTERM)
		if !s.waitMonitor(TermGracePeriod) {
			s.signalGroup(syscall.SIGKILL)
			s.waitMonitor(TermGracePeriod)
		}
	}

	var uploadErr error
	if s.simDir != "" {
		uploadErr = s.persistLogs(ctx)
		if uploadErr != nil {
			s.log.Error("log persistence failed, continuing teardown", zap.Error(uploadErr))
		}
		if err := os.RemoveAll(s.simDir); err != nil {
			s.log.Error("failed to remove sim dir", zap.String("dir", s.simDir), zap.Error(err))
		}
	}
	if s.cfg.SimDirSymlink != "" {
		_ = os.Remove(s.cfg.SimDirSymlink)
	}

	return nil
}

func (s *Supervisor) fail(ctx context.Context) error {
	return s.stop(ctx)
}

func (s *Supervisor) signalGroup(sig syscall.Signal) {
	pgid, err := syscall.Getpgid(s.cmd.Process.Pid)
	if err != nil {
		_ = s.cmd.Process.Signal(sig) // benign: process may already be gone
		return
	}
	if err := syscall.Kill(-pgid, sig); err != nil {
		_ = s.cmd.Process.Signal(sig)
	}
}

func (s *Supervisor) waitMonitor(timeout time.Duration) bool {
	if s.monitorDone == nil {
		return true
	}
	select {
	case <-s.monitorDone:
		return true
	case <-time.After(timeout):
		return false
	}
}

// persistLogs zips every *.log/.*.log flat and uploads the archive,
// per §4.4's "Log persistence".
func (s *Supervisor) persistLogs(ctx context.Context) error {
	var files []string
	for _, pattern := range []string{"*.log", ".*.log"} {
		matches, _ := filepath.Glob(filepath.Join(s.simDir, pattern))
		files = append(files, matches...)
	}
	if len(files) == 0 {
		return nil
	}

	tmp, err := os.CreateTemp("", fmt.Sprintf("simulation_%d.log.*.zip", s.cfg.SimID))
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	zw := zip.NewWriter(tmp)
	for _, f := range files {
		if err := addFileFlat(zw, f); err != nil {
			zw.Close()
			tmp.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if s.cfg.Storage == nil {
		return nil
	}
	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("simulation_%d.log.zip", s.cfg.SimID)
	return s.cfg.Storage.PutFile(ctx, s.cfg.Token, s.cfg.ExperimentID, name, data, "application/octet-stream")
}

func addFileFlat(zw *zip.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w, err := zw.Create(filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}
