package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"apex-sim/internal/lifecycle"
	"apex-sim/internal/registry"
	"apex-sim/pkg/models"
)

type fakeStoppable struct{ dir string }

func (f fakeStoppable) SimDir() string { return f.dir }

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	gin.SetMode(gin.TestMode)
	reg := registry.New(nil)
	newRecord := func(id int, req registry.CreateRequest, owner, token string) (*lifecycle.FSM, registry.Stoppable) {
		fsm := lifecycle.New(lifecycle.Hooks{}, nil)
		return fsm, fakeStoppable{dir: "/tmp/sim"}
	}
	s := New(reg, newRecord, map[string]string{"controller": "test"}, nil, nil)
	return s, reg
}

func doRequest(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	require(t, err)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func require(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGetVersion(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(t, s.Router(), http.MethodGet, "/version", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var v models.VersionInfo
	require(t, json.Unmarshal(w.Body.Bytes(), &v))
	if v.Versions["controller"] != "test" {
		t.Fatalf("unexpected version payload: %+v", v)
	}
}

func TestCreateAndGetSimulation(t *testing.T) {
	s, _ := newTestServer(t)
	r := s.Router()

	w := doRequest(t, r, http.MethodPost, "/simulation", models.CreateSimulationRequest{ExperimentID: "exp-1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var sim models.Simulation
	require(t, json.Unmarshal(w.Body.Bytes(), &sim))
	if sim.State != lifecycle.Paused {
		t.Fatalf("expected new simulation to settle at paused after initialize, got %s", sim.State)
	}

	w = doRequest(t, r, http.MethodGet, "/simulation/0", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateRejectsMissingExperimentID(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(t, s.Router(), http.MethodPost, "/simulation", models.CreateSimulationRequest{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateRejectsSecondConcurrentSimulation(t *testing.T) {
	s, _ := newTestServer(t)
	r := s.Router()

	w := doRequest(t, r, http.MethodPost, "/simulation", models.CreateSimulationRequest{ExperimentID: "exp-1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected first create to succeed, got %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(t, r, http.MethodPost, "/simulation", models.CreateSimulationRequest{ExperimentID: "exp-2"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a second running simulation, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetSimulationNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(t, s.Router(), http.MethodGet, "/simulation/99", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPutStateStartsAPausedSimulation(t *testing.T) {
	s, _ := newTestServer(t)
	r := s.Router()

	doRequest(t, r, http.MethodPost, "/simulation", models.CreateSimulationRequest{ExperimentID: "exp-1"})

	w := doRequest(t, r, http.MethodPut, "/simulation/0/state", models.SimulationState{State: lifecycle.Started})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var st models.SimulationState
	require(t, json.Unmarshal(w.Body.Bytes(), &st))
	if st.State != lifecycle.Started {
		t.Fatalf("expected started, got %s", st.State)
	}
}

func TestPutStateRejectsUnknownTarget(t *testing.T) {
	s, _ := newTestServer(t)
	r := s.Router()
	doRequest(t, r, http.MethodPost, "/simulation", models.CreateSimulationRequest{ExperimentID: "exp-1"})

	w := doRequest(t, r, http.MethodPut, "/simulation/0/state", models.SimulationState{State: "bogus"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPutStateToCurrentStateIsIdempotent(t *testing.T) {
	s, _ := newTestServer(t)
	r := s.Router()
	doRequest(t, r, http.MethodPost, "/simulation", models.CreateSimulationRequest{ExperimentID: "exp-1"})

	// paused->paused targets Paused via the Pause trigger, and (Paused,
	// Pause) is a registered self-loop (the table has a Started->Paused
	// row keyed on Pause), so this is an idempotent no-op, not a conflict.
	w := doRequest(t, r, http.MethodPut, "/simulation/0/state", models.SimulationState{State: lifecycle.Paused})
	if w.Code != http.StatusOK {
		t.Fatalf("expected paused->paused to be an idempotent self-loop, got %d: %s", w.Code, w.Body.String())
	}
}
