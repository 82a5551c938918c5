package harness

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dop251/goja"
)

// newEngineWrapper builds the "nrp" object bound into the script's VM.
// run_loop implements spec.md's cooperative algorithm step by step:
// block on the pause gate, check stopped, bounds-check before touching
// the engine, record elapsed time, advance timesteps only on success.
func (h *Harness) newEngineWrapper() *goja.Object {
	obj := h.vm.NewObject()

	_ = obj.Set("run_loop", func(call goja.FunctionCall) goja.Value {
		n := int(call.Argument(0).ToInteger())
		var data json.RawMessage
		if raw := call.Argument(1); !goja.IsUndefined(raw) && !goja.IsNull(raw) {
			if s, ok := raw.Export().(string); ok {
				data = json.RawMessage(s)
			}
		}
		result, err := h.runLoop(n, data)
		if err != nil {
			panic(h.vm.ToValue(err.Error()))
		}
		if result == nil {
			return goja.Undefined()
		}
		return h.vm.ToValue(string(result))
	})

	_ = obj.Set("stop", unavailable(h.vm))
	_ = obj.Set("reset", unavailable(h.vm))
	_ = obj.Set("shutdown", unavailable(h.vm))
	_ = obj.Set("initialize", unavailable(h.vm))

	_ = obj.DefineAccessorProperty("simulation_time", h.vm.ToValue(func(goja.FunctionCall) goja.Value {
		return h.vm.ToValue(h.SimulationTime())
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = obj.DefineAccessorProperty("simulation_time_remaining", h.vm.ToValue(func(goja.FunctionCall) goja.Value {
		return h.vm.ToValue(h.SimulationTimeRemaining())
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = obj.DefineAccessorProperty("real_time", h.vm.ToValue(func(goja.FunctionCall) goja.Value {
		return h.vm.ToValue(h.RealTime())
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	return obj
}

func unavailable(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(goja.FunctionCall) goja.Value {
		panic(vm.NewTypeError("not available"))
	}
}

// runLoop is the non-JS-facing implementation of nrp.run_loop(n, data),
// kept separate from the goja binding so it is independently testable.
func (h *Harness) runLoop(n int, data json.RawMessage) (json.RawMessage, error) {
	<-h.pauseGate

	if h.stopped.Load() {
		return nil, ErrStopExecution
	}

	if h.timestepsDone.Load()+int64(n) > h.maxTimesteps {
		return nil, ErrSimulationTimeout
	}

	start := time.Now()
	defer func() {
		h.elapsedNS.Add(int64(time.Since(start)))
	}()

	result, err := h.cfg.Engine.RunLoop(context.Background(), n, data)
	if err != nil {
		return nil, err
	}

	h.timestepsDone.Add(int64(n))
	return result, nil
}

// newScriptLoggerBinding builds the "logger" object bound into the
// script's VM, writing only to the per-script log file.
func (h *Harness) newScriptLoggerBinding() *goja.Object {
	obj := h.vm.NewObject()
	_ = obj.Set("info", func(call goja.FunctionCall) goja.Value {
		h.scriptLog.Info(call.Argument(0).String())
		return goja.Undefined()
	})
	_ = obj.Set("warn", func(call goja.FunctionCall) goja.Value {
		h.scriptLog.Warn(call.Argument(0).String())
		return goja.Undefined()
	})
	_ = obj.Set("error", func(call goja.FunctionCall) goja.Value {
		h.scriptLog.Error(call.Argument(0).String())
		return goja.Undefined()
	})
	return obj
}
