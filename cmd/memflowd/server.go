package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/memflow/memflow/memory"
	"github.com/memflow/memflow/types"
)

// Server exposes the engine over HTTP: ingestion, retrieval, memory
// management, health, and metrics.
type Server struct {
	addr   string
	engine *memory.Engine
	logger *zap.Logger
	http   *http.Server
}

// NewServer creates the HTTP front end.
func NewServer(addr string, engine *memory.Engine, registry *prometheus.Registry, logger *zap.Logger) *Server {
	s := &Server{
		addr:   addr,
		engine: engine,
		logger: logger.With(zap.String("component", "http_server")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/ingest", s.handleIngest)
	mux.HandleFunc("GET /v1/context", s.handleContext)
	mux.HandleFunc("GET /v1/memories", s.handleListMemories)
	mux.HandleFunc("DELETE /v1/memories/{id}", s.handleDeleteMemory)
	mux.HandleFunc("GET /v1/core", s.handleListCore)
	mux.HandleFunc("DELETE /v1/core/{id}", s.handleDeleteCore)
	mux.HandleFunc("GET /v1/graph/neighbors", s.handleNeighbors)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ln <- err
		}
	}()

	select {
	case err := <-ln:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// WaitForShutdown blocks until SIGINT/SIGTERM, then drains connections.
func (s *Server) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	s.logger.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", zap.Error(err))
	}
}

type ingestRequest struct {
	OwnerID  string `json:"owner_id"`
	ThreadID string `json:"thread_id,omitempty"`
	Content  string `json:"content"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.OwnerID == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "owner_id and content are required")
		return
	}

	result, err := s.engine.Ingest(r.Context(), req.OwnerID, req.ThreadID, req.Content)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := s.engine.Retrieve(r.Context(), memory.AssembleRequest{
		OwnerID:  q.Get("owner_id"),
		ThreadID: q.Get("thread_id"),
		Query:    q.Get("query"),
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	if q.Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(out.Format()))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	memories, err := s.engine.ListMemories(r.Context(), q.Get("owner_id"), types.MemoryType(q.Get("type")), limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": memories})
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	err := s.engine.DeleteMemory(r.Context(), r.URL.Query().Get("owner_id"), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListCore(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	cores, err := s.engine.ListCoreMemories(r.Context(), q.Get("owner_id"), types.CoreCategory(q.Get("category")), limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"core_memories": cores})
}

func (s *Server) handleDeleteCore(w http.ResponseWriter, r *http.Request) {
	err := s.engine.DeleteCoreMemory(r.Context(), r.URL.Query().Get("owner_id"), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNeighbors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	edges, err := s.engine.Neighbors(r.Context(), q.Get("owner_id"), q.Get("entity"), limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"edges": edges})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context(), r.URL.Query().Get("owner_id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case types.IsCode(err, types.ErrNotFound):
		status = http.StatusNotFound
	case types.IsCode(err, types.ErrOwnership):
		status = http.StatusForbidden
	case types.IsCode(err, types.ErrRateLimited):
		status = http.StatusTooManyRequests
	case types.IsCode(err, types.ErrInvalidState):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
