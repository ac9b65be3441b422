// Package api exposes a node over HTTP: starting pipelines, reading run
// state (one-shot or as a Server-Sent Events stream) and listing the
// participants known to the coordinator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/consortium/internal/config"
	"github.com/dreamware/consortium/internal/coordinator"
	"github.com/dreamware/consortium/internal/manager"
	"github.com/dreamware/consortium/internal/pipeline"
	"github.com/dreamware/consortium/internal/run"
	"github.com/dreamware/consortium/internal/workspace"
)

// heartbeatInterval is how often an idle event stream sends a comment line.
const heartbeatInterval = 15 * time.Second

// Node is what the API needs from a manager.
type Node interface {
	StartPipeline(ctx context.Context, req manager.StartRequest) (*manager.Handle, error)
	GetPipelineStateListener(runID string) (*run.Stream, error)
	Registry() *coordinator.ClientRegistry
	Runs() *run.Coordinator
	Config() config.Config
}

// RunRequest is the run description posted to /startPipeline.
type RunRequest struct {
	ID               string        `json:"id,omitempty"`
	Clients          []string      `json:"clients"`
	PipelineSnapshot pipeline.Spec `json:"pipelineSnapshot"`
}

// StartPipelineRequest is the body of POST /startPipeline.
type StartPipelineRequest struct {
	Run RunRequest `json:"run"`
}

// StartPipelineResponse is returned on an accepted run.
type StartPipelineResponse struct {
	RunID string `json:"runId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server serves the HTTP API of one node.
type Server struct {
	node   Node
	logger *zap.Logger
	mux    *http.ServeMux
}

// NewServer builds the API handler for node.
func NewServer(node Node, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{node: node, logger: logger, mux: http.NewServeMux()}

	s.mux.HandleFunc("POST /startPipeline", s.handleStartPipeline)
	s.mux.HandleFunc("GET /runs", s.handleListRuns)
	s.mux.HandleFunc("GET /runs/{id}/state", s.handleRunState)
	s.mux.HandleFunc("GET /runs/{id}/history", s.handleRunHistory)
	s.mux.HandleFunc("GET /runs/{id}/events", s.handleRunEvents)
	s.mux.HandleFunc("GET /clients", s.handleListClients)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleStartPipeline(w http.ResponseWriter, r *http.Request) {
	var req StartPipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if err := req.Run.PipelineSnapshot.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h, err := s.node.StartPipeline(r.Context(), manager.StartRequest{
		RunID:   req.Run.ID,
		Clients: req.Run.Clients,
		Spec:    req.Run.PipelineSnapshot,
	})
	var provErr *workspace.DirectoryProvisioningError
	switch {
	case err == nil:
	case errors.Is(err, run.ErrDuplicateRun):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.As(err, &provErr):
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	case errors.Is(err, manager.ErrNoParticipants):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, manager.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("pipeline accepted", zap.String("run_id", h.RunID), zap.Strings("clients", req.Run.Clients))
	writeJSON(w, http.StatusAccepted, StartPipelineResponse{RunID: h.RunID})
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request) (*run.Stream, bool) {
	stream, err := s.node.GetPipelineStateListener(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, run.ErrUnknownRun.Error())
		return nil, false
	}
	return stream, true
}

func (s *Server) handleRunState(w http.ResponseWriter, r *http.Request) {
	stream, ok := s.stream(w, r)
	if !ok {
		return
	}
	snap, _ := stream.Latest()
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	stream, ok := s.stream(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, stream.History())
}

func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Runs []string `json:"runs"`
	}{Runs: s.node.Runs().RunIDs()})
}

func (s *Server) handleListClients(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Clients []coordinator.ClientInfo `json:"clients"`
	}{Clients: s.node.Registry().List()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	cfg := s.node.Config()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"mode":     string(cfg.Mode),
		"clientId": cfg.ClientID,
	})
}

// writeSSE writes one event and flushes it.
func writeSSE(w http.ResponseWriter, event, id string, payload any) error {
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// handleRunEvents streams snapshots as "state" events, latest first, until
// the run ends or the client goes away.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	stream, ok := s.stream(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	snapshots := stream.Subscribe(r.Context())
	for {
		select {
		case snap, open := <-snapshots:
			if !open {
				_ = writeSSE(w, "end", "", map[string]string{"runId": r.PathValue("id")})
				return
			}
			if err := writeSSE(w, "state", fmt.Sprint(snap.Seq), snap); err != nil {
				s.logger.Debug("event stream closed", zap.Error(err))
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
