// Package lifecycle implements the simulation lifecycle finite-state
// machine shared, in two differently-hooked instances, by the backend
// and the simulation-server worker process.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"apex-sim/pkg/models"
)

type State = models.LifecycleState
type Trigger = models.LifecycleTrigger

const (
	Created   = models.StateCreated
	Paused    = models.StatePaused
	Started   = models.StateStarted
	Completed = models.StateCompleted
	Stopped   = models.StateStopped
	Failed    = models.StateFailed
)

const (
	Initialize = models.TriggerInitialize
	Start      = models.TriggerStart
	Pause      = models.TriggerPause
	Complete   = models.TriggerComplete
	Stop       = models.TriggerStop
	Fail       = models.TriggerFail
)

// RunningStates, FinalStates and ErrorStates partition the state space
// per the data model: Running = {created, paused, started, completed},
// Final = {stopped, failed}, Error = {failed}.
var (
	RunningStates = map[State]bool{Created: true, Paused: true, Started: true, Completed: true}
	FinalStates   = map[State]bool{Stopped: true, Failed: true}
	ErrorStates   = map[State]bool{Failed: true}
)

// hookKind distinguishes a before-hook (runs before the state commits,
// its failure can block the transition) from an after-hook (runs once
// the new state has committed; its failure cannot undo the transition).
type hookKind int

const (
	noHook hookKind = iota
	beforeHook
	afterHook
)

type row struct {
	from    map[State]bool
	trigger Trigger
	to      State
	hook    hookKind
	hookFn  func(h *Hooks) func(context.Context) error
}

var table = []row{
	{set(Created), Initialize, Paused, beforeHook, func(h *Hooks) func(context.Context) error { return h.Initialize }},
	{set(Paused), Start, Started, beforeHook, func(h *Hooks) func(context.Context) error { return h.Start }},
	{set(Started), Pause, Paused, beforeHook, func(h *Hooks) func(context.Context) error { return h.Pause }},
	{set(Started), Complete, Completed, noHook, nil},
	{set(Created, Paused, Started, Completed), Stop, Stopped, beforeHook, func(h *Hooks) func(context.Context) error { return h.Stop }},
	{set(Paused, Started, Completed), Fail, Failed, afterHook, func(h *Hooks) func(context.Context) error { return h.Fail }},
	{set(Created), Fail, Failed, beforeHook, func(h *Hooks) func(context.Context) error { return h.Stop }},
}

func set(states ...State) map[State]bool {
	m := make(map[State]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// selfLoops holds the auto-added idempotent self-transitions: firing a
// trigger that already targets the FSM's current state silently
// succeeds without invoking any hook (R1). Several triggers can land on
// the same destination (e.g. both "initialized" and "paused" reach
// Paused), so every (destination, trigger) pair seen in the table gets
// its own self-loop entry, mirroring the auto-added self-transition
// behavior of table-driven FSM libraries.
var selfLoops = buildSelfLoops()

func buildSelfLoops() map[State]map[Trigger]bool {
	m := make(map[State]map[Trigger]bool)
	for _, r := range table {
		if m[r.to] == nil {
			m[r.to] = make(map[Trigger]bool)
		}
		m[r.to][r.trigger] = true
	}
	return m
}

// InvalidTransitionError is returned when a trigger has no matching row
// for the FSM's current state.
type InvalidTransitionError struct {
	State   State
	Trigger Trigger
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: state=%s trigger=%s", e.State, e.Trigger)
}

// Hooks is the capability set a concrete lifecycle (backend or worker)
// supplies at construction. Any field may be nil (no-op). This is the
// dynamic-dispatch mechanism described for the two lifecycle flavors —
// deliberately a struct of functions, not a base type to override.
type Hooks struct {
	Initialize func(ctx context.Context) error
	Start      func(ctx context.Context) error
	Pause      func(ctx context.Context) error
	Stop       func(ctx context.Context) error
	Fail       func(ctx context.Context) error
	Shutdown   func(ctx context.Context)
}

// Transition is emitted to subscribers after every committed transition,
// including silent ones (subscribers that care about propagation check
// the Silent field themselves — C2 is exactly such a subscriber).
type Transition struct {
	Trigger   Trigger
	From      State
	To        State
	Silent    bool
	Timestamp time.Time
}

// FSM is the generic lifecycle state machine. One instance exists on
// the backend per simulation record, and one inside the worker process;
// they differ only in the Hooks supplied and the set of states their
// paired Synchronizer propagates.
type FSM struct {
	mu          sync.Mutex
	state       State
	hooks       Hooks
	log         *zap.Logger
	subscribers []chan Transition
	history     []Transition
}

// New constructs an FSM in the created state.
func New(hooks Hooks, log *zap.Logger) *FSM {
	if log == nil {
		log = zap.NewNop()
	}
	return &FSM{state: Created, hooks: hooks, log: log}
}

// State returns the current state.
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *FSM) IsFinal() bool {
	return FinalStates[f.State()]
}

func (f *FSM) IsRunning() bool {
	return RunningStates[f.State()]
}

func (f *FSM) IsError() bool {
	return ErrorStates[f.State()]
}

// Subscribe returns a channel fed with every committed transition
// (silent or not); the caller drops if it falls behind.
func (f *FSM) Subscribe(bufferSize int) chan Transition {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	ch := make(chan Transition, bufferSize)
	f.mu.Lock()
	f.subscribers = append(f.subscribers, ch)
	f.mu.Unlock()
	return ch
}

func (f *FSM) Unsubscribe(ch chan Transition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, sub := range f.subscribers {
		if sub == ch {
			f.subscribers = append(f.subscribers[:i], f.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (f *FSM) History() []Transition {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Transition, len(f.history))
	copy(out, f.history)
	return out
}

// findRow locates the table row matching (from, trigger).
func findRow(from State, trigger Trigger) (*row, bool) {
	for i := range table {
		if table[i].trigger == trigger && table[i].from[from] {
			return &table[i], true
		}
	}
	return nil, false
}

// rawTransition performs one trigger application: idempotent self-loop,
// table lookup + hook invocation + commit, or InvalidTransitionError.
// silent marks the resulting Transition for subscribers (used by the
// incoming synchronizer path so it is never re-published). It does NOT
// implement the hook-failure-escalates-to-failed policy — that lives in
// Accept, the public entry point; rawTransition is also reused by Accept
// itself to apply the "failed" cleanup trigger without recursing through
// hook-failure handling again.
func (f *FSM) rawTransition(ctx context.Context, trigger Trigger, silent bool) error {
	f.mu.Lock()
	from := f.state
	if selfLoops[from][trigger] {
		f.mu.Unlock()
		f.log.Debug("idempotent self-transition", zap.String("state", string(from)), zap.String("trigger", string(trigger)))
		return nil
	}
	r, ok := findRow(from, trigger)
	if !ok {
		f.mu.Unlock()
		return &InvalidTransitionError{State: from, Trigger: trigger}
	}
	f.mu.Unlock()

	var hookErr error
	if r.hook == beforeHook {
		if fn := r.hookFn(&f.hooks); fn != nil {
			hookErr = fn(ctx)
		}
		if hookErr != nil {
			return hookErr
		}
	}

	f.mu.Lock()
	if f.state != from {
		// concurrent transition raced us; extremely unlikely given the
		// single registry-mutex + FSM-mutex discipline, but guard anyway.
		f.mu.Unlock()
		return &InvalidTransitionError{State: from, Trigger: trigger}
	}
	f.state = r.to
	tr := Transition{Trigger: trigger, From: from, To: r.to, Silent: silent, Timestamp: time.Now()}
	f.history = append(f.history, tr)
	subs := append([]chan Transition(nil), f.subscribers...)
	f.mu.Unlock()

	f.log.Info("lifecycle transition",
		zap.String("from", string(from)), zap.String("to", string(r.to)),
		zap.String("trigger", string(trigger)), zap.Bool("silent", silent))

	for _, ch := range subs {
		select {
		case ch <- tr:
		default:
		}
	}

	if r.hook == afterHook {
		if fn := r.hookFn(&f.hooks); fn != nil {
			hookErr = fn(ctx)
		}
	}

	if r.to == Stopped || r.to == Failed {
		go f.gracefulShutdown(context.Background())
	} else if r.to == Completed {
		// "completed" is a Running state, not terminal (per the data
		// model) — it marks a normal script finish. Both lifecycle
		// instances conclude the simulation by auto-advancing to
		// "stopped" immediately afterward; this is baseline FSM
		// behavior common to both hook sets, not something either
		// side's capability set decides.
		go func() {
			if err := f.Accept(context.Background(), Stop); err != nil {
				f.log.Warn("auto-stop after completed failed", zap.Error(err))
			}
		}()
	}

	return hookErr
}

// Accept is accept_command: the public entry point for locally-caused
// triggers. On hook failure it attempts a best-effort transition to
// failed as cleanup; if that also fails, the original error is returned
// and the FSM is left in whatever state the cleanup attempt produced.
func (f *FSM) Accept(ctx context.Context, trigger Trigger) error {
	err := f.rawTransition(ctx, trigger, false)
	if err == nil {
		return nil
	}
	if _, invalid := err.(*InvalidTransitionError); invalid {
		return err
	}
	if cleanupErr := f.rawTransition(ctx, Fail, false); cleanupErr != nil {
		f.log.Error("cleanup transition to failed also failed", zap.Error(cleanupErr), zap.Error(err))
	}
	return err
}

// TriggerSilently is used by the incoming synchronizer path: it applies
// the trigger without re-publishing, per the same hook-failure policy
// used for direct transitions except that its own failure path forces
// the caller's observed target_state rather than escalating twice (the
// synchronizer does that forcing itself — see internal/syncbus).
func (f *FSM) TriggerSilently(ctx context.Context, trigger Trigger) error {
	return f.rawTransition(ctx, trigger, true)
}

// ForceState bypasses the transition table to set the state directly.
// Used only by the synchronizer to resolve divergence (§4.2 step 3) and
// to force target_state after a failed silent trigger (§4.2 step 5).
func (f *FSM) ForceState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *FSM) gracefulShutdown(ctx context.Context) {
	time.Sleep(time.Second)
	if f.hooks.Shutdown != nil {
		f.hooks.Shutdown(ctx)
	}
}
