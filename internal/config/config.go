// Package config loads and validates the environment this controller
// runs under, the same "required/default/validate" shape the original
// secrets loader used, retargeted at this domain's connection settings
// instead of JWT/database/billing secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Requirement describes one environment variable this process depends on.
type Requirement struct {
	EnvVar      string
	Description string
	Required    bool
	Default     string
}

// Config holds the resolved environment for either process
// (cmd/backend or cmd/simserver); each binary only reads the fields it
// needs.
type Config struct {
	HBP                   string // "Home Brain Project" storage root, kept from the original env var name
	SimulationDir         string // NRP_SIMULATION_DIR symlink target
	MQTTBrokerAddress     string // NRP_MQTT_BROKER_ADDRESS
	StorageAddress        string
	StoragePort           int
	TopicsPrefix          string // MQTT_TOPICS_PREFIX
	SimserverBin          string
	Verbose               bool
}

// Requirements describes this process's environment dependencies; used
// both to load defaults and to report what's missing.
func Requirements() []Requirement {
	return []Requirement{
		{EnvVar: "HBP", Description: "experiment storage root", Required: false, Default: "/hbp"},
		{EnvVar: "NRP_SIMULATION_DIR", Description: "symlink to the active simulation's staged directory", Required: false, Default: "/tmp/nrp_simulation"},
		{EnvVar: "NRP_MQTT_BROKER_ADDRESS", Description: "broker backing the lifecycle/status/error topics", Required: true},
		{EnvVar: "STORAGE_ADDRESS", Description: "experiment storage collaborator host", Required: true},
		{EnvVar: "STORAGE_PORT", Description: "experiment storage collaborator port", Required: false, Default: "9000"},
		{EnvVar: "MQTT_TOPICS_PREFIX", Description: "outer namespace wrapped around every published topic, empty by default", Required: false, Default: ""},
		{EnvVar: "SIMSERVER_BIN", Description: "path to the compiled simserver binary", Required: false},
	}
}

// ValidationError lists every missing required variable.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required environment variables: %s", strings.Join(e.Missing, ", "))
}

// Load reads a .env file if present (github.com/joho/godotenv, silently
// ignored if absent — mirrors the original loader's "defaults in
// development" posture) then resolves Config from the process
// environment, applying defaults and collecting missing required vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	verr := &ValidationError{}
	values := make(map[string]string)
	for _, req := range Requirements() {
		v := os.Getenv(req.EnvVar)
		if v == "" {
			if req.Required {
				verr.Missing = append(verr.Missing, req.EnvVar)
				continue
			}
			v = req.Default
		}
		values[req.EnvVar] = v
	}
	if len(verr.Missing) > 0 {
		return nil, verr
	}

	port, err := strconv.Atoi(values["STORAGE_PORT"])
	if err != nil {
		return nil, fmt.Errorf("STORAGE_PORT: %w", err)
	}

	return &Config{
		HBP:               values["HBP"],
		SimulationDir:     values["NRP_SIMULATION_DIR"],
		MQTTBrokerAddress: values["NRP_MQTT_BROKER_ADDRESS"],
		StorageAddress:    values["STORAGE_ADDRESS"],
		StoragePort:       port,
		TopicsPrefix:      values["MQTT_TOPICS_PREFIX"],
		SimserverBin:      values["SIMSERVER_BIN"],
		Verbose:           strings.EqualFold(os.Getenv("VERBOSE"), "true"),
	}, nil
}
