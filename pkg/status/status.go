// Package status serves pipeline health, table progress and metrics over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/checkpoint"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/orchestrator"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

// ProgressSource exposes the live per-table progress of a run.
type ProgressSource interface {
	Progress() []orchestrator.Progress
}

type Server struct {
	Addr        string
	Progress    ProgressSource
	Checkpoints checkpoint.Store
	Checks      map[string]Check
	Logger      *zap.Logger

	// StreamInterval paces /progress/stream pushes. Zero means 2s.
	StreamInterval time.Duration

	server       *http.Server
	streamsOnce  sync.Once
	streams      context.Context
	closeStreams context.CancelFunc
}

type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// NewRouter returns the status routes.
func (s *Server) NewRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/progress", s.HandleProgress).Methods(http.MethodGet)
	r.HandleFunc("/progress/stream", s.HandleProgressStream).Methods(http.MethodGet)
	r.HandleFunc("/checkpoints", s.HandleCheckpoints).Methods(http.MethodGet)
	r.HandleFunc("/checkpoints/{table}", s.HandleCheckpoint).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// HandleHealth runs every dependency check; any failure answers 503.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	code := http.StatusOK
	out := make(map[string]checkResult, len(s.Checks))
	for name, check := range s.Checks {
		if err := check(ctx); err != nil {
			code = http.StatusServiceUnavailable
			out[name] = checkResult{Status: "down", Error: err.Error()}
			continue
		}
		out[name] = checkResult{Status: "up"}
	}
	writeJSON(w, code, out)
}

// HandleProgress lists the live progress of the current or last run.
func (s *Server) HandleProgress(w http.ResponseWriter, _ *http.Request) {
	var progress []orchestrator.Progress
	if s.Progress != nil {
		progress = s.Progress.Progress()
	}
	sort.Slice(progress, func(i, j int) bool { return progress[i].Table < progress[j].Table })
	if progress == nil {
		progress = []orchestrator.Progress{}
	}
	writeJSON(w, http.StatusOK, progress)
}

// HandleCheckpoints lists every persisted checkpoint.
func (s *Server) HandleCheckpoints(w http.ResponseWriter, r *http.Request) {
	list, err := s.Checkpoints.List(r.Context())
	if err != nil {
		s.Logger.Error("List checkpoints", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) HandleCheckpoint(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	cp, ok, err := s.Checkpoints.Get(r.Context(), table)
	switch {
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	case !ok:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no checkpoint for " + table})
	default:
		writeJSON(w, http.StatusOK, cp)
	}
}

// Start serves in the background until Stop.
func (s *Server) Start() {
	s.server = &http.Server{
		Addr:              s.Addr,
		Handler:           s.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.Logger.Info("Starting status server", zap.String("addr", s.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error("Status server stopped", zap.Error(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	s.CloseStreams()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
