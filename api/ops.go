// Package api exposes the operational HTTP surface: health, Prometheus
// metrics, connector states, enrichment queue stats, and the dead letter
// queue. It carries no event data and no ingestion endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"argus/connector"
	"argus/storage"
	"argus/util/goroutine"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const dlqListDefault = 100

// OpsServer serves the operational API.
type OpsServer struct {
	manager *connector.Manager
	jobs    *storage.JobStore
	dlq     *storage.DLQ
	logger  *zap.SugaredLogger
	server  *http.Server
}

// NewOpsServer creates the ops API server bound to addr.
func NewOpsServer(addr string, manager *connector.Manager, jobs *storage.JobStore, dlq *storage.DLQ, logger *zap.SugaredLogger) *OpsServer {
	s := &OpsServer{
		manager: manager,
		jobs:    jobs,
		dlq:     dlq,
		logger:  logger,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/v1/connectors", s.handleConnectors).Methods(http.MethodGet)
	r.HandleFunc("/v1/queue/stats", s.handleQueueStats).Methods(http.MethodGet)
	r.HandleFunc("/v1/dlq", s.handleDLQ).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves in the background until Shutdown.
func (s *OpsServer) Start() {
	go func() {
		defer goroutine.Recover("ops-api", s.logger)
		s.logger.Infow("Ops API listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorw("Ops API server failed", "error", err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *OpsServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *OpsServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *OpsServer) handleConnectors(w http.ResponseWriter, _ *http.Request) {
	states := s.manager.States()
	out := make(map[string]string, len(states))
	for name, state := range states {
		out[name] = string(state)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *OpsServer) handleQueueStats(w http.ResponseWriter, _ *http.Request) {
	counts, err := s.jobs.CountByStatus()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read queue stats: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, counts)
}

func (s *OpsServer) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := dlqListDefault
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	events, err := s.dlq.List(limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read DLQ: %v", err))
		return
	}
	if events == nil {
		events = []*storage.DLQEvent{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *OpsServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Errorw("Failed to encode response", "error", err)
	}
}

func (s *OpsServer) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
