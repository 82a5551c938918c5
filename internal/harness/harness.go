// Package harness implements the Script Harness (C5): the worker-side
// lifecycle instance that compiles and runs a simulation's main script
// inside a sandboxed JavaScript VM (github.com/dop251/goja), bridging
// its cooperative run_loop calls to an opaque engine collaborator.
package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"apex-sim/internal/engine"
	"apex-sim/internal/lifecycle"
	"apex-sim/internal/simconfig"
	"apex-sim/internal/syncbus"
	"apex-sim/pkg/models"
)

// ErrStopExecution is thrown into the script's run_loop call once Stop
// has been requested; the executor treats it as a benign exit, not a
// failure.
var ErrStopExecution = errors.New("execution stopped")

// ErrSimulationTimeout is thrown once a run_loop call would advance the
// simulation past maxTimesteps; it is raised before the engine is
// touched, so no partial iteration is ever executed (B2).
var ErrSimulationTimeout = errors.New("simulation timeout")

const statusTopicSuffix = "/status"

// Config wires one Harness instance to its simulation's identity,
// script, engine collaborator, and sync bus.
type Config struct {
	SimID        int
	ScriptPath   string
	ExperimentConfig *models.ExperimentConfig
	Engine       engine.Client
	Broker       syncbus.Broker
	TopicPrefix  string // e.g. "nrp_simulation/<sim_id>"
	LogDir       string
	ScriptName   string // basename used for "<script>_<sim_id>.log"
}

// Harness is the worker-side script execution engine: one per
// simulation process, supplying the lifecycle.Hooks capability set that
// plugs it into C1 the same way internal/supervisor plugs C4 in.
type Harness struct {
	cfg Config
	log *zap.Logger

	maxTimesteps int64
	timestepsDone atomic.Int64
	elapsedNS     atomic.Int64
	startTime     time.Time

	stopped atomic.Bool
	mu          sync.Mutex
	pauseGate   chan struct{} // closed == running, open/unclosed == paused
	doneCh      chan struct{}
	tickerStop  chan struct{}
	shutdownOne sync.Once

	scriptLog *zap.Logger
	vm        *goja.Runtime

	onCompleted func()
	onFailed    func(err error)
}

// New constructs a Harness. onCompleted/onFailed are invoked by the
// executor goroutine on normal return / unrecoverable exception
// respectively; the caller wires them to fsm.Accept(ctx, lifecycle.Complete/Fail).
func New(cfg Config, log *zap.Logger, onCompleted func(), onFailed func(err error)) *Harness {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Harness{cfg: cfg, log: log, onCompleted: onCompleted, onFailed: onFailed}
	h.maxTimesteps = simconfig.MaxTimesteps(cfg.ExperimentConfig)
	// Starts blocking. The executor goroutine is launched by initialize, not
	// by Start: script code before the first run_loop call runs right away,
	// and that first run_loop call waits here until Start closes the gate.
	h.pauseGate = make(chan struct{})
	return h
}

// Hooks returns the lifecycle.Hooks capability set for the worker-side
// FSM instance.
func (h *Harness) Hooks() lifecycle.Hooks {
	return lifecycle.Hooks{
		Initialize: h.initialize,
		Start:      h.start,
		Pause:      h.pause,
		Stop:       h.stop,
		Fail:       h.stop,
		Shutdown:   h.shutdown,
	}
}

// initialize reads and compiles the script, reporting any syntax error
// as a Compile-kind error with {line_number, offset, line_text}, and
// initializes the engine collaborator.
func (h *Harness) initialize(ctx context.Context) error {
	if err := h.setupScriptLogger(); err != nil {
		return fmt.Errorf("server error: script logger: %w", err)
	}

	src, err := os.ReadFile(h.cfg.ScriptPath)
	if err != nil {
		return fmt.Errorf("server error: read script: %w", err)
	}

	prog, compileErr := goja.Compile(h.cfg.ScriptPath, string(src), false)
	if compileErr != nil {
		h.publishCompileError(compileErr, string(src))
		return compileErr
	}

	if err := h.cfg.Engine.Initialize(ctx); err != nil {
		h.publishError(models.ErrorKindLoading, err.Error(), 0, 0, "")
		return err
	}

	h.vm = goja.New()
	h.doneCh = make(chan struct{})
	go h.execute(prog)

	return nil
}

func (h *Harness) setupScriptLogger() error {
	if h.cfg.LogDir == "" {
		h.scriptLog = zap.NewNop()
		return nil
	}
	name := h.cfg.ScriptName
	if name == "" {
		name = "script"
	}
	path := fmt.Sprintf("%s/%s_%d.log", h.cfg.LogDir, name, h.cfg.SimID)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(f),
		zapcore.DebugLevel,
	)
	h.scriptLog = zap.New(core) // deliberately not chained to the shared core: script output never propagates to the process log
	return nil
}

func (h *Harness) start(ctx context.Context) error {
	h.mu.Lock()
	select {
	case <-h.pauseGate:
	default:
		close(h.pauseGate)
	}
	h.mu.Unlock()
	return nil
}

func (h *Harness) pause(ctx context.Context) error {
	h.mu.Lock()
	select {
	case <-h.pauseGate:
		h.pauseGate = make(chan struct{})
	default:
	}
	h.mu.Unlock()
	return nil
}

func (h *Harness) stop(ctx context.Context) error {
	h.stopped.Store(true)
	h.start(ctx) // release any blocked run_loop so it can observe stopped

	if h.doneCh != nil {
		select {
		case <-h.doneCh:
		case <-time.After(20 * time.Second):
			h.log.Warn("executor goroutine did not exit within the termination window", zap.Int("sim_id", h.cfg.SimID))
		}
	}
	return nil
}

func (h *Harness) shutdown(ctx context.Context) {
	h.shutdownOne.Do(func() {
		h.stopTicker()
		if h.cfg.Engine != nil {
			if err := h.cfg.Engine.Shutdown(ctx); err != nil {
				h.log.Warn("engine shutdown failed", zap.Error(err))
			}
		}
	})
}

// execute runs the compiled script on its own goroutine, classifying
// the outcome per the exception table.
func (h *Harness) execute(prog *goja.Program) {
	defer close(h.doneCh)

	h.startStatusTicker()
	h.vm.Set("nrp", h.newEngineWrapper())
	h.vm.Set("logger", h.newScriptLoggerBinding())

	h.startTime = time.Now()
	_, err := h.vm.RunProgram(prog)

	if err == nil {
		h.log.Info("script completed normally", zap.Int("sim_id", h.cfg.SimID))
		if h.onCompleted != nil {
			h.onCompleted()
		}
		return
	}

	var jsExc *goja.Exception
	if errors.As(err, &jsExc) {
		switch {
		case isWrapped(jsExc, ErrStopExecution):
			h.log.Info("script stopped", zap.Int("sim_id", h.cfg.SimID))
			return
		case isWrapped(jsExc, ErrSimulationTimeout):
			h.publishError(models.ErrorKindSimTimeout, "simulation timeout", 0, 0, "")
			if h.onCompleted != nil {
				h.onCompleted()
			}
			return
		default:
			h.publishError(models.ErrorKindRuntime, jsExc.Error(), 0, 0, "")
			if h.onFailed != nil {
				h.onFailed(jsExc)
			}
			return
		}
	}

	h.publishError(models.ErrorKindRuntime, err.Error(), 0, 0, "")
	if h.onFailed != nil {
		h.onFailed(err)
	}
}

func isWrapped(exc *goja.Exception, target error) bool {
	return strings.Contains(exc.Error(), target.Error())
}

func (h *Harness) publishCompileError(err error, src string) {
	var syntaxErr *goja.CompilerSyntaxError
	if errors.As(err, &syntaxErr) {
		line := syntaxErr.Line()
		h.publishError(models.ErrorKindCompile, syntaxErr.Error(), line, 0, lineText(src, line))
		return
	}
	h.publishError(models.ErrorKindCompile, err.Error(), 0, 0, "")
}

func lineText(src string, line int) string {
	if line <= 0 {
		return ""
	}
	lines := strings.Split(src, "\n")
	if line-1 >= len(lines) {
		return ""
	}
	return lines[line-1]
}

func (h *Harness) publishError(kind models.ErrorKind, message string, line, offset int, lineText string) {
	if h.cfg.Broker == nil {
		return
	}
	msg := models.ErrorMessage{ErrorType: kind, Message: message, LineNumber: line, Offset: offset, LineText: lineText}
	data, _ := json.Marshal(msg)
	topic := h.cfg.TopicPrefix + "/error"
	if err := h.cfg.Broker.Publish(context.Background(), topic, data, false); err != nil {
		h.log.Warn("failed to publish error message", zap.Error(err))
	}
}

func (h *Harness) startStatusTicker() {
	h.tickerStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.publishStatus()
			case <-h.tickerStop:
				return
			}
		}
	}()
}

func (h *Harness) stopTicker() {
	if h.tickerStop != nil {
		select {
		case <-h.tickerStop:
		default:
			close(h.tickerStop)
		}
	}
	// one final status after the shutdown grace period, matching the
	// ~1s window gracefulShutdown already sleeps on the FSM side.
	h.publishStatus()
}

func (h *Harness) publishStatus() {
	if h.cfg.Broker == nil {
		return
	}
	msg := models.StatusMessage{
		RealTime:           h.RealTime(),
		SimulationTime:     h.SimulationTime(),
		SimulationTimeLeft: h.SimulationTimeRemaining(),
	}
	data, _ := json.Marshal(msg)
	topic := h.cfg.TopicPrefix + statusTopicSuffix
	if err := h.cfg.Broker.Publish(context.Background(), topic, data, false); err != nil {
		h.log.Warn("failed to publish status message", zap.Error(err))
	}
}

// SimulationTime returns the simulation-clock time elapsed so far.
func (h *Harness) SimulationTime() float64 {
	step := h.cfg.ExperimentConfig.SimulationTimestep
	return float64(h.timestepsDone.Load()) * step
}

// SimulationTimeRemaining returns the simulation-clock time left before
// maxTimesteps is reached.
func (h *Harness) SimulationTimeRemaining() float64 {
	step := h.cfg.ExperimentConfig.SimulationTimestep
	remaining := h.maxTimesteps - h.timestepsDone.Load()
	if remaining < 0 {
		remaining = 0
	}
	return float64(remaining) * step
}

// RealTime returns the wall-clock time spent inside engine RunLoop calls.
func (h *Harness) RealTime() float64 {
	return time.Duration(h.elapsedNS.Load()).Seconds()
}
