// Package httpapi is the thin REST boundary (§6 of the controller's
// contract): a gin router binding the registry's create/list/get
// operations and the lifecycle state transition endpoint. Everything
// about the simulation itself — FSM, supervisor, synchronizer — lives
// behind the registry; this package only translates HTTP to it.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"apex-sim/internal/lifecycle"
	"apex-sim/internal/registry"
	"apex-sim/internal/syncbus"
	"apex-sim/pkg/models"
)

// Server wires the registry to a gin.Engine.
type Server struct {
	reg          *registry.Registry
	newRecord    registry.NewRecordFunc
	versions     map[string]string
	broker       syncbus.Broker
	topicsPrefix string
	log          *zap.Logger
}

func New(reg *registry.Registry, newRecord registry.NewRecordFunc, versions map[string]string, broker syncbus.Broker, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{reg: reg, newRecord: newRecord, versions: versions, broker: broker, log: log}
}

// WithTopicsPrefix sets the MQTT_TOPICS_PREFIX every created record is
// namespaced under; omitted in tests that don't exercise topic routing.
func (s *Server) WithTopicsPrefix(prefix string) *Server {
	s.topicsPrefix = prefix
	return s
}

// Router builds the gin.Engine with every route spec.md §6 names, plus
// the supplemented websocket status stream.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.logMiddleware())

	r.GET("/version", s.getVersion)
	r.GET("/simulation", s.listSimulations)
	r.POST("/simulation", s.createSimulation)
	r.GET("/simulation/:id", s.getSimulation)
	r.GET("/simulation/:id/state", s.getState)
	r.PUT("/simulation/:id/state", s.putState)
	r.GET("/simulation/:id/status/ws", s.statusWebSocket)

	return r
}

func (s *Server) logMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()))
	}
}

func bearerToken(c *gin.Context) string {
	const prefix = "Bearer "
	h := c.GetHeader("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// errorBody is the {message, type, data} shape spec.md §6 requires for
// every non-2xx response.
func errorBody(message, kind string, data any) gin.H {
	return gin.H{"message": message, "type": kind, "data": data}
}

func (s *Server) getVersion(c *gin.Context) {
	c.JSON(http.StatusOK, models.VersionInfo{Versions: s.versions})
}

func (s *Server) listSimulations(c *gin.Context) {
	recs := s.reg.List()
	out := make([]models.Simulation, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toSimulation(rec))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) createSimulation(c *gin.Context) {
	var req models.CreateSimulationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error(), "user error", nil))
		return
	}

	creq := registry.CreateRequest{
		ExperimentID:     req.ExperimentID,
		ExperimentConfig: req.ExperimentConfig,
		MainScript:       req.MainScript,
		CtxID:            req.CtxID,
		Private:          req.Private,
		TopicsPrefix:     s.topicsPrefix,
	}

	owner := c.GetHeader("X-User")
	token := bearerToken(c)

	rec, err := s.reg.Create(c.Request.Context(), creq, owner, token, s.newRecord)
	if err != nil {
		var already registry.AnotherRunningError
		if errors.As(err, &already) {
			c.JSON(http.StatusConflict, errorBody(err.Error(), "conflict", nil))
			return
		}
		c.JSON(http.StatusBadRequest, errorBody(err.Error(), "user error", nil))
		return
	}

	c.Header("Location", "/simulation/"+strconv.Itoa(rec.ID))
	c.JSON(http.StatusCreated, toSimulation(rec))
}

func (s *Server) lookup(c *gin.Context) (*registry.Record, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid simulation id", "user error", nil))
		return nil, false
	}
	rec, ok := s.reg.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, errorBody("simulation not found", "user error", nil))
		return nil, false
	}
	return rec, true
}

func (s *Server) getSimulation(c *gin.Context) {
	rec, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toSimulation(rec))
}

func (s *Server) getState(c *gin.Context) {
	rec, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, models.SimulationState{State: rec.FSM.State()})
}

func (s *Server) putState(c *gin.Context) {
	rec, ok := s.lookup(c)
	if !ok {
		return
	}
	var body models.SimulationState
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error(), "user error", nil))
		return
	}

	trigger, ok := triggerForTargetState(body.State)
	if !ok {
		c.JSON(http.StatusBadRequest, errorBody("unsupported target state: "+string(body.State), "user error", nil))
		return
	}

	if err := rec.FSM.Accept(c.Request.Context(), trigger); err != nil {
		var invalid *lifecycle.InvalidTransitionError
		if errors.As(err, &invalid) {
			c.JSON(http.StatusConflict, errorBody(err.Error(), "conflict", nil))
			return
		}
		c.JSON(http.StatusInternalServerError, errorBody(err.Error(), "server error", nil))
		return
	}

	c.JSON(http.StatusOK, models.SimulationState{State: rec.FSM.State()})
}

// triggerForTargetState maps a user-facing target state to the trigger
// that reaches it from the common entry points clients use
// (paused->started, started->paused, any running state->stopped).
func triggerForTargetState(target models.LifecycleState) (lifecycle.Trigger, bool) {
	switch target {
	case lifecycle.Started:
		return lifecycle.Start, true
	case lifecycle.Paused:
		return lifecycle.Pause, true
	case lifecycle.Stopped:
		return lifecycle.Stop, true
	default:
		return "", false
	}
}

func toSimulation(rec *registry.Record) models.Simulation {
	return models.Simulation{
		ID:           rec.ID,
		ExperimentID: rec.ExperimentID,
		Owner:        rec.Owner,
		CreatedAt:    rec.CreatedAt,
		MainScript:   rec.MainScript,
		State:        rec.FSM.State(),
		CtxID:        rec.CtxID,
	}
}
