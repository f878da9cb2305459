package statusapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/stringhub-core/stringhub/internal/dispatch"
	"github.com/stringhub-core/stringhub/internal/tcal"
)

// Server holds the dependencies needed by the status API handlers.
type Server struct {
	dispatch *dispatch.Dispatch
}

// NewServer creates a Server backed by d.
func NewServer(d *dispatch.Dispatch) *Server {
	return &Server{dispatch: d}
}

// EngineStatus is the JSON representation of one channel sort engine's
// observables, returned by GET /api/v1/engines and GET /api/v1/engines/{kind}.
type EngineStatus struct {
	Kind                string `json:"kind"`
	LastInputTimestamp  int64  `json:"last_input_timestamp"`
	LastOutputTimestamp int64  `json:"last_output_timestamp"`
	InputCount          int64  `json:"input_count"`
	OutputCount         int64  `json:"output_count"`
	QueueDepth          int64  `json:"queue_depth"`
}

// handleHealthz responds to GET /healthz with a plain liveness probe; it
// requires no authentication and depends on nothing but the process being
// alive to handle the request.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleListEngines responds to GET /api/v1/engines with the observables of
// every stream kind's channel sort engine.
func (s *Server) handleListEngines(w http.ResponseWriter, r *http.Request) {
	statuses := make([]EngineStatus, 0, len(dispatch.Kinds))
	for _, k := range dispatch.Kinds {
		statuses = append(statuses, s.engineStatus(k))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(statuses)
}

// handleGetEngine responds to GET /api/v1/engines/{kind} with the
// observables of a single stream kind's channel sort engine.
func (s *Server) handleGetEngine(w http.ResponseWriter, r *http.Request, kindParam string) {
	k := dispatch.Kind(kindParam)
	if s.dispatch.Engine(k) == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown engine kind %q", kindParam))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(s.engineStatus(k))
}

func (s *Server) engineStatus(k dispatch.Kind) EngineStatus {
	e := s.dispatch.Engine(k)
	if e == nil {
		return EngineStatus{Kind: string(k)}
	}
	return EngineStatus{
		Kind:                string(k),
		LastInputTimestamp:  e.LastInputTimestamp(),
		LastOutputTimestamp: e.LastOutputTimestamp(),
		InputCount:          e.InputCount(),
		OutputCount:         e.OutputCount(),
		QueueDepth:          e.QueueDepth(),
	}
}

// runLevelRequest is the JSON body accepted by POST /api/v1/runlevel.
type runLevelRequest struct {
	Level string `json:"level"`
}

var validRunLevels = map[tcal.RunLevel]bool{
	tcal.RunLevelIdle:        true,
	tcal.RunLevelConfiguring: true,
	tcal.RunLevelConfigured:  true,
	tcal.RunLevelStarting:    true,
	tcal.RunLevelRunning:     true,
	tcal.RunLevelStopping:    true,
	tcal.RunLevelStopped:     true,
	tcal.RunLevelZombie:      true,
}

// handleSetRunLevel responds to POST /api/v1/runlevel by injecting the
// requested run-level transition into the dispatch layer, which forwards it
// to every registered RunLevelSink (the TCAL processor, in particular).
func (s *Server) handleSetRunLevel(w http.ResponseWriter, r *http.Request) {
	var req runLevelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	level := tcal.RunLevel(strings.ToUpper(req.Level))
	if !validRunLevels[level] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("level %q is not a recognized run level", req.Level))
		return
	}

	s.dispatch.SetRunLevel(level)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"level": string(level)})
}
