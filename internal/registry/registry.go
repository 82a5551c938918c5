// Package registry implements the in-memory simulation table (C3):
// ownership, creation time, and the "at most one running simulation"
// concurrency gate.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"apex-sim/internal/lifecycle"
	"apex-sim/internal/syncbus"
)

// AnotherRunningError is returned by Create when a non-final record
// already exists.
type AnotherRunningError struct{}

func (AnotherRunningError) Error() string {
	return "another simulation is already running"
}

// Record is one row of the registry. Its fields are not reassigned after
// creation; the lifecycle state lives in FSM.
type Record struct {
	ID               int
	ExperimentID     string
	Owner            string
	CreatedAt        time.Time
	MainScript       string
	ExperimentConfig string
	Token            string
	CtxID            string
	TopicPrefix      string
	Private          bool

	FSM *lifecycle.FSM
	// Supervisor is declared as an interface here (rather than a
	// concrete *supervisor.Supervisor) so the registry does not import
	// the supervisor package; callers such as cmd/backend supply the
	// real supervisor and tests supply a fake.
	Supervisor Stoppable
}

// Stoppable is the minimal handle the registry needs on a record's
// supervisor — just enough to know it exists for observability; all
// actual lifecycle control flows through Record.FSM, never directly
// through the supervisor.
type Stoppable interface {
	SimDir() string
}

// CreateRequest is the registry-level shape of a creation request; the
// REST layer translates an incoming JSON body into this.
type CreateRequest struct {
	ExperimentID     string
	ExperimentConfig string
	MainScript       string
	CtxID            string
	Private          *bool

	// TopicsPrefix is the process-level MQTT_TOPICS_PREFIX; the record's
	// own topic namespace is this joined with its assigned id.
	TopicsPrefix string
}

func (r CreateRequest) withDefaults() CreateRequest {
	if r.ExperimentConfig == "" {
		r.ExperimentConfig = "simulation_config.json"
	}
	if r.MainScript == "" {
		r.MainScript = "main_script.py"
	}
	return r
}

// Registry is the process-wide simulation table.
type Registry struct {
	mu      sync.Mutex
	records []*Record
	log     *zap.Logger

	activeGauge prometheus.Gauge
	totalCount  prometheus.Counter
}

func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log: log,
		activeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apex_sim_registry_active_simulations",
			Help: "Number of simulations currently in a non-terminal state.",
		}),
		totalCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apex_sim_registry_total_created",
			Help: "Total simulations ever created.",
		}),
	}
}

// RegisterMetrics registers this registry's gauges/counters with reg.
func (r *Registry) RegisterMetrics(reg prometheus.Registerer) error {
	if err := reg.Register(r.activeGauge); err != nil {
		return err
	}
	return reg.Register(r.totalCount)
}

// NewRecordFunc builds the FSM (with its hooks already wired to a fresh
// supervisor) and the supervisor handle for a newly-assigned id. It is
// injected rather than hardcoded so the registry stays decoupled from
// the supervisor package (see the note on Record.Supervisor).
type NewRecordFunc func(id int, req CreateRequest, owner, token string) (*lifecycle.FSM, Stoppable)

// Create is the registry's single mutating entry point (§4.3): the
// running check, id assignment, FSM/Supervisor construction, and the
// append all happen inside one critical section, so no other goroutine
// can ever observe a *Record before it is fully built — mirroring
// simulation.py's Simulation.__init__ constructing the lifecycle object
// synchronously before the instance is ever published to the shared
// list. Only the "initialized" trigger — which spawns the worker via
// C4's hooks — fires outside the lock, so a slow spawn never blocks
// other HTTP handlers.
func (r *Registry) Create(ctx context.Context, req CreateRequest, owner, token string, newRecord NewRecordFunc) (*Record, error) {
	req = req.withDefaults()
	if req.ExperimentID == "" {
		return nil, fmt.Errorf("experimentID is required")
	}

	r.mu.Lock()
	for _, rec := range r.records {
		if rec.FSM.IsRunning() {
			r.mu.Unlock()
			return nil, AnotherRunningError{}
		}
	}

	id := len(r.records)
	private := true
	if req.Private != nil {
		private = *req.Private
	}
	fsm, sup := newRecord(id, req, owner, token)
	rec := &Record{
		ID:               id,
		ExperimentID:     req.ExperimentID,
		Owner:            owner,
		CreatedAt:        time.Now().UTC(),
		MainScript:       req.MainScript,
		ExperimentConfig: req.ExperimentConfig,
		Token:            token,
		CtxID:            req.CtxID,
		Private:          private,
		TopicPrefix:      syncbus.TopicBase(req.TopicsPrefix, strconv.Itoa(id)),
		FSM:              fsm,
		Supervisor:       sup,
	}
	r.records = append(r.records, rec)
	r.mu.Unlock()

	r.totalCount.Inc()
	r.activeGauge.Inc()
	go func() {
		ch := fsm.Subscribe(4)
		defer fsm.Unsubscribe(ch)
		for tr := range ch {
			if tr.To == lifecycle.Stopped || tr.To == lifecycle.Failed {
				r.activeGauge.Dec()
				return
			}
		}
	}()

	if err := fsm.Accept(ctx, lifecycle.Initialize); err != nil {
		r.log.Error("initialize trigger failed for new simulation", zap.Int("id", id), zap.Error(err))
	}

	return rec, nil
}

func (r *Registry) Get(id int) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 0 || id >= len(r.records) {
		return nil, false
	}
	return r.records[id], true
}

func (r *Registry) List() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Record, len(r.records))
	copy(out, r.records)
	return out
}

// StartSweeper periodically forces stale non-final records to stopped,
// going exclusively through the FSM's own trigger (never mutating State
// directly), per §4.3's sweeper requirement.
func (r *Registry) StartSweeper(ctx context.Context, maxAge time.Duration, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(ctx, maxAge)
			}
		}
	}()
}

func (r *Registry) sweep(ctx context.Context, maxAge time.Duration) {
	for _, rec := range r.List() {
		if rec.FSM.IsFinal() {
			continue
		}
		if time.Since(rec.CreatedAt) <= maxAge {
			continue
		}
		r.log.Warn("sweeping stale simulation", zap.Int("id", rec.ID), zap.Duration("age", time.Since(rec.CreatedAt)))
		if err := rec.FSM.Accept(ctx, lifecycle.Stop); err != nil {
			r.log.Error("sweeper stop failed", zap.Int("id", rec.ID), zap.Error(err))
		}
	}
}
