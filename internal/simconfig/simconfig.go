// Package simconfig parses and validates an experiment's configuration
// file (§4.5's "Configuration validation").
package simconfig

import (
	"encoding/json"
	"fmt"
	"math"

	"apex-sim/pkg/models"
)

const (
	defaultSimulationTimestep = 0.01
	dataTransferEngineType    = "datatransfer_grpc_engine"
	defaultMQTTBroker         = "localhost:1883"
)

// ValidationError is returned when the parsed config is missing a
// required field; it propagates as INIT_ERROR per §4.5.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Parse parses raw JSON into an ExperimentConfig, applying the defaults
// and requirements described in §4.5: SimulationTimeout defaults to 0;
// SimulationTimestep defaults to 0.01; EngineConfigs must be present and
// must include one entry with EngineType == "datatransfer_grpc_engine"
// (whose MQTTBroker defaults to localhost:1883 if empty).
func Parse(raw []byte) (*models.ExperimentConfig, error) {
	var cfg models.ExperimentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, &ValidationError{Msg: fmt.Sprintf("invalid experiment configuration: %v", err)}
	}
	if cfg.SimulationTimestep == 0 {
		cfg.SimulationTimestep = defaultSimulationTimestep
	}
	if len(cfg.EngineConfigs) == 0 {
		return nil, &ValidationError{Msg: "experiment configuration must declare at least one EngineConfigs entry"}
	}

	found := false
	for i := range cfg.EngineConfigs {
		if cfg.EngineConfigs[i].EngineType == dataTransferEngineType {
			found = true
			if cfg.EngineConfigs[i].MQTTBroker == "" {
				cfg.EngineConfigs[i].MQTTBroker = defaultMQTTBroker
			}
		}
	}
	if !found {
		return nil, &ValidationError{Msg: fmt.Sprintf("experiment configuration must declare an EngineConfigs entry with EngineType=%q", dataTransferEngineType)}
	}

	return &cfg, nil
}

// MaxTimesteps returns floor(SimulationTimeout / SimulationTimestep).
// A zero timeout (the default) yields 0, per boundary behavior B1: the
// very first run_loop(1) call then raises SimulationTimeout immediately.
func MaxTimesteps(cfg *models.ExperimentConfig) int64 {
	if cfg.SimulationTimestep <= 0 {
		return 0
	}
	return int64(math.Floor(cfg.SimulationTimeout / cfg.SimulationTimestep))
}

// DataTransferEngineIndex returns the index of the first EngineConfigs
// entry with EngineType == "datatransfer_grpc_engine", or -1.
func DataTransferEngineIndex(cfg *models.ExperimentConfig) int {
	for i := range cfg.EngineConfigs {
		if cfg.EngineConfigs[i].EngineType == dataTransferEngineType {
			return i
		}
	}
	return -1
}
