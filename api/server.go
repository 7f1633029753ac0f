// Package api exposes the run orchestrator over HTTP: run creation and
// inspection, artifact download, and live progress over SSE and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/qaweaverhq/qaweaver/artifact"
	"github.com/qaweaverhq/qaweaver/orchestrator"
	"github.com/qaweaverhq/qaweaver/progress"
	"github.com/qaweaverhq/qaweaver/registry"
	"github.com/qaweaverhq/qaweaver/run"
	"github.com/qaweaverhq/qaweaver/state"
	"github.com/qaweaverhq/qaweaver/types"
)

const defaultListLimit = 50

type Config struct {
	Addr         string
	Orchestrator *orchestrator.Orchestrator
	Registry     *registry.Registry
	Broker       *progress.Broker
	Artifacts    artifact.Store

	// States is optional run history; nil disables the history merge on
	// run listings.
	States state.Store
}

type Server struct {
	cfg  Config
	mux  *http.ServeMux
	http *http.Server
	once sync.Once
}

func NewServer(cfg Config) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	s := &Server{
		cfg: cfg,
		mux: http.NewServeMux(),
	}
	s.registerRoutes()
	s.http = &http.Server{Addr: cfg.Addr, Handler: s.mux}
	return s
}

func (s *Server) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.mux
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server is nil")
	}
	errCh := make(chan error, 1)
	go func() {
		err := s.http.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			log.Printf("[api] shutdown error: %v", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	var outErr error
	s.once.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		outErr = s.http.Shutdown(shutdownCtx)
	})
	return outErr
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/api/v1/runs", s.handleRuns)
	s.mux.HandleFunc("/api/v1/runs/", s.handleRunSubresources)
	s.mux.HandleFunc("/healthz", s.handleHealth)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateRun(w, r)
	case http.MethodGet:
		s.handleListRuns(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	}
}

type createRunRequest struct {
	Files []types.SourceFile `json:"files"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request payload: %w", err))
		return
	}
	runID, err := s.cfg.Orchestrator.StartRun(r.Context(), req.Files)
	if err != nil {
		if errors.Is(err, run.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	snap, err := s.cfg.Registry.Snapshot(runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewFromSnapshot(snap))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit <= 0 {
			limit = defaultListLimit
		}
	}

	seen := make(map[string]bool)
	views := make([]runView, 0, limit)
	for _, snap := range s.cfg.Registry.ListRecent(limit) {
		views = append(views, viewFromSnapshot(snap))
		seen[snap.RunID] = true
	}
	if s.cfg.States != nil && len(views) < limit {
		records, err := s.cfg.States.ListRuns(r.Context(), state.ListRunsQuery{Limit: limit})
		if err != nil {
			log.Printf("[api] run history list failed: %v", err)
		} else {
			for _, rec := range records {
				if seen[rec.RunID] || len(views) >= limit {
					continue
				}
				views = append(views, viewFromRecord(rec))
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": views})
}

// handleRunSubresources dispatches /api/v1/runs/{id}[/...] paths.
func (s *Server) handleRunSubresources(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("run id is required"))
		return
	}
	runID := parts[0]

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		s.handleGetRun(w, r, runID)
	case len(parts) == 2 && parts[1] == "cancel":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		s.handleCancelRun(w, runID)
	case len(parts) == 2 && parts[1] == "events":
		s.handleRunEvents(w, r, runID)
	case len(parts) == 2 && parts[1] == "ws":
		s.handleRunWebSocket(w, r, runID)
	case len(parts) == 3 && parts[1] == "artifacts":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		s.handleGetArtifact(w, r, runID, parts[2])
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown run resource"))
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request, runID string) {
	snap, err := s.cfg.Registry.Snapshot(runID)
	if err == nil {
		writeJSON(w, http.StatusOK, viewFromSnapshot(snap))
		return
	}
	if !errors.Is(err, run.ErrUnknownRun) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if s.cfg.States != nil {
		rec, err := s.cfg.States.LoadRun(r.Context(), runID)
		if err == nil {
			writeJSON(w, http.StatusOK, viewFromRecord(rec))
			return
		}
		if !errors.Is(err, state.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	writeError(w, http.StatusNotFound, fmt.Errorf("run %q not found", runID))
}

func (s *Server) handleCancelRun(w http.ResponseWriter, runID string) {
	if err := s.cfg.Orchestrator.Cancel(runID); err != nil {
		if errors.Is(err, run.ErrUnknownRun) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"runId": runID, "cancelling": true})
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request, runID, stageKey string) {
	content, err := s.cfg.Artifacts.LoadArtifact(r.Context(), runID, stageKey)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("artifact %s/%s not found", runID, stageKey))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.StageFileName(stageKey)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(content))
}

// runView is the API projection of a run: input file contents are never
// echoed back, and results appear as artifact references rather than
// inline bodies.
type runView struct {
	RunID       string             `json:"runId"`
	Status      types.RunStatus    `json:"status"`
	Stages      []types.StageState `json:"stages"`
	Errors      []string           `json:"errors,omitempty"`
	Artifacts   map[string]string  `json:"artifacts,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	CompletedAt *time.Time         `json:"completedAt,omitempty"`
}

func viewFromSnapshot(snap types.RunSnapshot) runView {
	view := runView{
		RunID:       snap.RunID,
		Status:      snap.Status,
		Stages:      snap.Stages,
		Errors:      snap.Errors,
		CreatedAt:   snap.CreatedAt,
		CompletedAt: snap.CompletedAt,
	}
	if len(snap.Results) > 0 {
		view.Artifacts = make(map[string]string, len(snap.Results))
		for key := range snap.Results {
			view.Artifacts[key] = fmt.Sprintf("/api/v1/runs/%s/artifacts/%s", snap.RunID, key)
		}
	}
	return view
}

func viewFromRecord(rec state.RunRecord) runView {
	view := runView{
		RunID:       rec.RunID,
		Status:      rec.Status,
		Stages:      rec.Stages,
		Errors:      rec.Errors,
		CreatedAt:   rec.CreatedAt,
		CompletedAt: rec.CompletedAt,
	}
	for _, st := range rec.Stages {
		if st.Status == types.StageSuccess || st.Status == types.StageWarn {
			if view.Artifacts == nil {
				view.Artifacts = make(map[string]string)
			}
			view.Artifacts[st.Key] = fmt.Sprintf("/api/v1/runs/%s/artifacts/%s", rec.RunID, st.Key)
		}
	}
	return view
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, map[string]any{"error": msg})
}
