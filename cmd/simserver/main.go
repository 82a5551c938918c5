// Command simserver is the worker process C4 spawns per simulation
// (the simulation-server half of C1, plus C5's script harness and C2's
// worker-side Synchronizer). It is invoked as:
//
//	simserver --dir <simDir> --id <simID> --script <name> --config <name> [--verbose]
package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"apex-sim/internal/config"
	"apex-sim/internal/engine"
	"apex-sim/internal/harness"
	"apex-sim/internal/lifecycle"
	"apex-sim/internal/logging"
	"apex-sim/internal/simconfig"
	"apex-sim/internal/syncbus"
)

func main() {
	dir := flag.String("dir", "", "staged simulation directory")
	simID := flag.Int("id", 0, "simulation id")
	script := flag.String("script", "", "main script filename, relative to --dir")
	configFile := flag.String("config", "", "experiment configuration filename, relative to --dir")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	logging.Init(*verbose)
	defer logging.Sync()
	log := logging.L().With(zap.Int("simID", *simID), zap.Bool("verbose", *verbose))

	if *dir == "" || *script == "" || *configFile == "" {
		log.Fatal("missing required flags", zap.String("usage", "--dir --id --script --config"))
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("configuration invalid", zap.Error(err))
	}

	rawConfig, err := os.ReadFile(filepath.Join(*dir, *configFile))
	if err != nil {
		log.Fatal("failed to read experiment configuration", zap.Error(err))
	}
	expConfig, err := simconfig.Parse(rawConfig)
	if err != nil {
		log.Fatal("invalid experiment configuration", zap.Error(err))
	}

	broker, err := syncbus.NewRedisBrokerFromAddr(cfg.MQTTBrokerAddress)
	if err != nil {
		log.Fatal("failed to connect to broker", zap.Error(err))
	}

	simIDStr := strconv.Itoa(*simID)

	dtIdx := simconfig.DataTransferEngineIndex(expConfig)
	overrides := engine.NewConfigOverrides(dtIdx, simIDStr, expConfig.EngineConfigs[dtIdx].MQTTBroker)
	engineClient := engine.NewGRPCClient("", *configFile, overrides)

	var fsm *lifecycle.FSM
	h := harness.New(harness.Config{
		SimID:            *simID,
		ScriptPath:       filepath.Join(*dir, *script),
		ExperimentConfig: expConfig,
		Engine:           engineClient,
		Broker:           broker,
		TopicPrefix:      syncbus.TopicBase(cfg.TopicsPrefix, simIDStr),
		LogDir:           *dir,
		ScriptName:       *script,
	}, log,
		func() {
			if err := fsm.Accept(context.Background(), lifecycle.Complete); err != nil {
				log.Error("failed accepting completed trigger", zap.Error(err))
			}
		},
		func(scriptErr error) {
			log.Error("script execution failed", zap.Error(scriptErr))
			if err := fsm.Accept(context.Background(), lifecycle.Fail); err != nil {
				log.Error("failed accepting failed trigger", zap.Error(err))
			}
		},
	)

	fsm = lifecycle.New(h.Hooks(), log)

	topic := syncbus.TopicForLifecycle(cfg.TopicsPrefix, simIDStr)
	synchronizer := syncbus.New(syncbus.Config{
		NodeID:                    syncbus.NodeWorker,
		Topic:                     topic,
		PropagatedDestinations:    map[lifecycle.State]bool{lifecycle.Completed: true, lifecycle.Failed: true},
		ClearSynchronizationTopic: false,
	}, fsm, broker, log)
	if err := synchronizer.Connect(context.Background()); err != nil {
		log.Fatal("worker synchronizer failed to connect", zap.Error(err))
	}
	defer synchronizer.Shutdown(context.Background())

	// Connect's retained-message bootstrap replays the backend's
	// Initialize transition into this FSM (§4.2 step 1), which is what
	// actually drives h.initialize — nothing further to do here but
	// wait for a terminal state.
	sub := fsm.Subscribe(4)
	if !fsm.IsFinal() {
		for tr := range sub {
			if tr.To == lifecycle.Stopped || tr.To == lifecycle.Failed {
				break
			}
		}
	}
	fsm.Unsubscribe(sub)

	log.Info("simserver exiting")
}
