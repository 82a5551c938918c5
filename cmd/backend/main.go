// Command backend is the controller process (C1 backend half, C2's
// backend Synchronizer, C3, C4): it exposes the REST surface, owns the
// simulation registry, and supervises one worker child process per
// simulation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"apex-sim/internal/config"
	"apex-sim/internal/httpapi"
	"apex-sim/internal/lifecycle"
	"apex-sim/internal/logging"
	"apex-sim/internal/registry"
	"apex-sim/internal/storage"
	"apex-sim/internal/supervisor"
	"apex-sim/internal/syncbus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		os.Exit(1)
	}

	logging.Init(cfg.Verbose)
	defer logging.Sync()
	log := logging.L()

	log.Info("starting apex-sim controller")

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Bootstrap listener: serve /health immediately, swap in the full
	// router once the broker connection and registry are up.
	var ready atomic.Bool
	var activeRouter atomic.Value

	bootstrap := gin.New()
	bootstrap.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "starting", "ready": ready.Load()})
	})
	bootstrap.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server starting", "ready": ready.Load()})
	})
	activeRouter.Store(bootstrap)

	serverErrors := make(chan error, 1)
	httpServer := &http.Server{
		Addr:              ":" + port,
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			activeRouter.Load().(*gin.Engine).ServeHTTP(w, r)
		}),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()
	log.Info("bootstrap listener started", zap.String("port", port))

	broker, err := syncbus.NewRedisBrokerFromAddr(cfg.MQTTBrokerAddress)
	if err != nil {
		log.Fatal("failed to connect to broker", zap.Error(err))
	}

	storageClient := storage.NewS3Client(cfg.StorageAddress, fmt.Sprintf("%d", cfg.StoragePort), "us-east-1")

	reg := registry.New(log)
	if err := reg.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		log.Warn("failed to register registry metrics", zap.Error(err))
	}

	newRecord := buildRecordFactory(cfg, storageClient, broker, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.StartSweeper(ctx, 24*time.Hour, time.Minute)

	versions := map[string]string{"controller": "dev"}
	server := httpapi.New(reg, newRecord, versions, broker, log).WithTopicsPrefix(cfg.TopicsPrefix)

	activeRouter.Store(server.Router())
	ready.Store(true)
	log.Info("server ready", zap.String("port", port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatal("http server failed", zap.Error(err))
	case sig := <-quit:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", zap.Error(err))
	}
	log.Info("http server stopped")

	for _, rec := range reg.List() {
		if rec.FSM.IsFinal() {
			continue
		}
		if err := rec.FSM.Accept(shutdownCtx, lifecycle.Stop); err != nil {
			log.Warn("failed stopping simulation during shutdown", zap.Int("id", rec.ID), zap.Error(err))
		}
	}

	log.Info("graceful shutdown complete")
}

// buildRecordFactory closes over the process-wide collaborators to
// produce a registry.NewRecordFunc: for every new simulation it builds
// a Supervisor, an FSM wired to that Supervisor's hooks, and a backend-
// side Synchronizer that propagates every Running-state transition
// (§4.2 — the worker's own Synchronizer propagates only the script-outcome
// transitions it alone can observe, Completed and Failed).
func buildRecordFactory(cfg *config.Config, storageClient storage.Client, broker syncbus.Broker, log *zap.Logger) registry.NewRecordFunc {
	return func(id int, req registry.CreateRequest, owner, token string) (*lifecycle.FSM, registry.Stoppable) {
		simLog := log.With(zap.Int("simID", id))

		// fsm is assigned below, right after construction; OnFail's
		// closure only runs later, asynchronously from the supervisor's
		// monitor goroutine, so the forward reference is safe.
		var fsm *lifecycle.FSM

		sup := supervisor.New(supervisor.Config{
			SimID:            id,
			ExperimentID:     req.ExperimentID,
			MainScript:       req.MainScript,
			ExperimentConfig: req.ExperimentConfig,
			Token:            token,
			Private:          req.Private == nil || *req.Private,
			SimDirParent:     filepath.Dir(cfg.SimulationDir),
			SimDirSymlink:    cfg.SimulationDir,
			SimserverBin:     cfg.SimserverBin,
			Verbose:          cfg.Verbose,
			Storage:          storageClient,
			OnFail: func(ctx context.Context) error {
				return fsm.Accept(ctx, lifecycle.Fail)
			},
		}, simLog)

		fsm = lifecycle.New(sup.Hooks(), simLog)

		topic := syncbus.TopicForLifecycle(cfg.TopicsPrefix, strconv.Itoa(id))
		synchronizer := syncbus.New(syncbus.Config{
			NodeID:                    syncbus.NodeBackend,
			Topic:                     topic,
			PropagatedDestinations:    lifecycle.RunningStates,
			ClearSynchronizationTopic: true,
		}, fsm, broker, simLog)
		if err := synchronizer.Connect(context.Background()); err != nil {
			simLog.Warn("backend synchronizer failed to connect", zap.Error(err))
		}

		return fsm, sup
	}
}
