package syncbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"apex-sim/internal/lifecycle"
	"apex-sim/pkg/models"
)

// NodeBackend and NodeWorker are the two stable node identifiers used
// for echo suppression (§4.2).
const (
	NodeBackend = "nrp_backend"
	NodeWorker  = "nrp_simulation_server"
)

// TopicBase returns nrp_simulation/<sim_id>, optionally namespaced by
// prefix (MQTT_TOPICS_PREFIX — an outer multi-deployment wrapper, kept
// separate from the literal "nrp_simulation" segment every topic under
// a simulation shares: lifecycle, status, error).
func TopicBase(prefix, simID string) string {
	if prefix == "" {
		return fmt.Sprintf("nrp_simulation/%s", simID)
	}
	return fmt.Sprintf("%s/nrp_simulation/%s", prefix, simID)
}

// TopicForLifecycle returns nrp_simulation/<sim_id>/lifecycle, optionally
// namespaced by prefix.
func TopicForLifecycle(prefix string, simID string) string {
	return TopicBase(prefix, simID) + "/lifecycle"
}

// Synchronizer is one half of C2: it mirrors a local FSM's transitions
// onto a broker topic and replays remote transitions back into the FSM.
// Two Synchronizer instances — one per process, each wired to its own
// FSM and propagated-destinations set — cooperate over one topic.
type Synchronizer struct {
	nodeID         string
	topic          string
	propagated     map[lifecycle.State]bool
	clearOnConnect bool
	fsm            *lifecycle.FSM
	broker         Broker
	log            *zap.Logger

	mu     sync.Mutex
	cancel func() error
}

// Config configures one Synchronizer instance.
type Config struct {
	NodeID                    string
	Topic                     string
	PropagatedDestinations    map[lifecycle.State]bool
	ClearSynchronizationTopic bool // canonical per the resolved Open Question
}

func New(cfg Config, fsm *lifecycle.FSM, broker Broker, log *zap.Logger) *Synchronizer {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Synchronizer{
		nodeID:         cfg.NodeID,
		topic:          cfg.Topic,
		propagated:     cfg.PropagatedDestinations,
		clearOnConnect: cfg.ClearSynchronizationTopic,
		fsm:            fsm,
		broker:         broker,
		log:            log,
	}
	return s
}

// Connect subscribes to the topic, optionally clearing any retained
// message first, and starts the background read loop. It also wires
// itself into the FSM so every future local transition is considered
// for outgoing propagation.
func (s *Synchronizer) Connect(ctx context.Context) error {
	if s.clearOnConnect {
		if err := s.broker.ClearRetained(ctx, s.topic); err != nil {
			s.log.Warn("failed clearing retained lifecycle message", zap.Error(err))
		}
	}

	msgs, closeFn, err := s.broker.Subscribe(ctx, s.topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.topic, err)
	}

	s.mu.Lock()
	s.cancel = closeFn
	s.mu.Unlock()

	transitions := s.fsm.Subscribe(64)

	go s.readLoop(ctx, msgs)
	go s.publishLoop(ctx, transitions)

	return nil
}

// Shutdown optionally clears the retained message, unsubscribes, and is
// idempotent.
func (s *Synchronizer) Shutdown(ctx context.Context) {
	if s.clearOnConnect {
		if err := s.broker.ClearRetained(ctx, s.topic); err != nil {
			s.log.Warn("failed clearing retained lifecycle message on shutdown", zap.Error(err))
		}
	}
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		if err := cancel(); err != nil {
			s.log.Warn("error unsubscribing from lifecycle topic", zap.Error(err))
		}
	}
}

// publishLoop watches the FSM's own transitions and republishes the
// ones this instance is responsible for propagating.
func (s *Synchronizer) publishLoop(ctx context.Context, transitions <-chan lifecycle.Transition) {
	for tr := range transitions {
		if tr.Silent {
			continue
		}
		if !s.propagated[tr.To] {
			continue
		}
		msg := models.SyncMessage{SourceNode: s.nodeID, SourceState: tr.From, Event: tr.Trigger, TargetState: tr.To}
		payload, err := json.Marshal(msg)
		if err != nil {
			s.log.Error("failed to marshal sync message", zap.Error(err))
			continue
		}
		retain := tr.From == lifecycle.Created
		if err := s.broker.Publish(ctx, s.topic, payload, retain); err != nil {
			s.log.Error("failed to publish lifecycle transition", zap.Error(err), zap.String("to", string(tr.To)))
		}
	}
}

// readLoop implements the incoming path (§4.2 steps 1-5).
func (s *Synchronizer) readLoop(ctx context.Context, msgs <-chan Message) {
	for m := range msgs {
		s.handleIncoming(ctx, m.Payload)
	}
}

func (s *Synchronizer) handleIncoming(ctx context.Context, payload []byte) {
	if len(payload) == 0 {
		return
	}
	var msg models.SyncMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.log.Warn("dropping unparsable lifecycle message", zap.Error(err))
		return
	}
	if msg.SourceNode == s.nodeID {
		return // echo suppression (I4)
	}

	if s.fsm.State() != msg.SourceState {
		s.log.Warn("lifecycle divergence detected, forcing local state",
			zap.String("local", string(s.fsm.State())), zap.String("remote_source", string(msg.SourceState)))
		s.fsm.ForceState(msg.SourceState)
	}

	if err := s.fsm.TriggerSilently(ctx, msg.Event); err != nil {
		s.log.Error("silent trigger failed, forcing target state and failing", zap.Error(err))
		s.fsm.ForceState(msg.TargetState)
		if failErr := s.fsm.TriggerSilently(ctx, lifecycle.Fail); failErr != nil {
			s.log.Error("forced fail after divergent trigger failure also failed", zap.Error(failErr))
		}
	}
}
