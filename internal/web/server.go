// Package web serves the JSON API and snapshot stream over a running
// orchestrator.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/lucasnoah/atp/internal/analytics"
	"github.com/lucasnoah/atp/internal/cycle"
	"github.com/lucasnoah/atp/internal/db"
	"github.com/lucasnoah/atp/internal/metrics"
	"github.com/lucasnoah/atp/internal/orchestrator"
)

// Orchestrator is the part of the orchestrator the server drives.
type Orchestrator interface {
	Start(opts cycle.StartOptions) (string, error)
	CancelActiveCycle(reason string)
	Snapshot() orchestrator.Snapshot
	Config() cycle.Config
	UpdateConfig(patch cycle.ConfigPatch) cycle.Config
	ClearHistory()
	Subscribe(fn func(orchestrator.Snapshot)) (unsubscribe func())
}

// Server exposes an orchestrator over HTTP. archive may be nil, in which
// case the history and stats endpoints return 404.
type Server struct {
	orch    Orchestrator
	archive db.Archive
	port    int
	logger  *slog.Logger
}

// NewServer creates a server listening on port once started.
func NewServer(orch Orchestrator, archive db.Archive, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{orch: orch, archive: archive, port: port, logger: logger}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("PATCH /api/config", s.handlePatchConfig)
	mux.HandleFunc("POST /api/cycles", s.handleStartCycle)
	mux.HandleFunc("POST /api/cycles/cancel", s.handleCancel)
	mux.HandleFunc("DELETE /api/history", s.handleClearHistory)
	mux.HandleFunc("GET /api/history", s.handleArchive)
	mux.HandleFunc("GET /api/history/{id}", s.handleArchivedCycle)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/stream", s.handleStream)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start listens until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", slog.String("addr", "http://localhost"+srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ---- handlers ----

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Snapshot())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Config())
}

func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	var patch cycle.ConfigPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.UpdateConfig(patch))
}

type startResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleStartCycle(w http.ResponseWriter, r *http.Request) {
	opts := cycle.StartOptions{Trigger: cycle.TriggerManual}
	if err := decodeBody(r, &opts); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.orch.Start(opts)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{ID: id})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.orch.CancelActiveCycle(req.Reason)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	s.orch.ClearHistory()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		http.Error(w, "archive disabled", http.StatusNotFound)
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	records, err := s.archive.List(r.Context(), opts)
	if err != nil {
		s.logger.Error("list archive", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleArchivedCycle(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		http.Error(w, "archive disabled", http.StatusNotFound)
		return
	}
	st, err := s.archive.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.logger.Error("get archived cycle", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		http.Error(w, "archive disabled", http.StatusNotFound)
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	records, err := s.archive.List(r.Context(), opts)
	if err != nil {
		s.logger.Error("list archive", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, analytics.Compute(records))
}

// listOptions reads limit, since (YYYY-MM-DD or RFC 3339) and phase.
func listOptions(r *http.Request) (db.ListOptions, error) {
	q := r.URL.Query()
	var opts db.ListOptions
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("invalid limit %q", v)
		}
		opts.Limit = n
	}
	if v := q.Get("since"); v != "" {
		t, err := ParseSince(v)
		if err != nil {
			return opts, err
		}
		opts.Since = t
	}
	opts.Phase = cycle.Phase(q.Get("phase"))
	return opts, nil
}

// ParseSince accepts a date or an RFC 3339 timestamp.
func ParseSince(v string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid since %q: want YYYY-MM-DD or RFC 3339", v)
	}
	return t, nil
}

// ---- helpers ----

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", slog.String("error", err.Error()))
	}
}
