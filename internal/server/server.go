// Package server exposes the memory engine over HTTP with JSON bodies, plus
// a websocket stream of change events.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"github.com/scrypster/ltm/internal/backup"
	"github.com/scrypster/ltm/internal/config"
	"github.com/scrypster/ltm/internal/embedding"
	"github.com/scrypster/ltm/internal/engine"
	"github.com/scrypster/ltm/internal/storage"
	"github.com/scrypster/ltm/pkg/types"
)

// MemoryAPI is the part of the engine the HTTP layer serves.
type MemoryAPI interface {
	CreateMemory(ctx context.Context, in engine.NewMemory) (*types.Memory, bool, error)
	QueryMemories(ctx context.Context, owner types.Owner, text string, k int, category types.Category) ([]engine.ScoredMemory, error)
	GetMemory(ctx context.Context, id string) (*types.Memory, error)
	ListMemories(ctx context.Context, owner types.Owner, opts storage.ListOptions) ([]*types.Memory, error)
	UpdateConfidence(ctx context.Context, id string, value float64, reason string) (*types.Memory, error)
	ConfidenceHistory(ctx context.Context, id string) ([]storage.ConfidenceChange, error)
	Deactivate(ctx context.Context, id string) error
	Reactivate(ctx context.Context, id string) error
	HardDelete(ctx context.Context, id string) error
	AddEdge(ctx context.Context, sourceID, targetID string, edgeType types.EdgeType, confidence float64) (*types.Edge, error)
	EdgesOf(ctx context.Context, id string) ([]types.Edge, error)
	AnalyzeOnce(ctx context.Context, owner types.Owner) (*engine.AnalysisReport, error)
	GetVerificationCandidates(ctx context.Context, owner types.Owner) ([]engine.VerificationQuestion, error)
	RecordVerificationResponse(ctx context.Context, owner types.Owner, id, response string) (*engine.VerificationResult, error)
	Backend() string
	IndexStats() embedding.Stats
}

// Maintainer runs maintenance passes without overlap.
type Maintainer interface {
	RunNow(ctx context.Context) (*engine.MaintenanceReport, error)
	Last() (*engine.MaintenanceReport, error)
}

// SnapshotStatus reports on pre-curation snapshots.
type SnapshotStatus interface {
	Status() (*backup.Status, error)
}

// Options wires a Server.
type Options struct {
	Config      config.ServerConfig
	Engine      MemoryAPI
	Maintenance Maintainer     // required
	Hub         *EventHub      // optional; nil disables /v1/events
	Snapshots   SnapshotStatus // optional
	Logger      *log.Logger
}

// Server is the HTTP front of the memory engine.
type Server struct {
	cfg       config.ServerConfig
	eng       MemoryAPI
	maint     Maintainer
	hub       *EventHub
	snapshots SnapshotStatus
	logger    *log.Logger
	handler   http.Handler
}

// New builds a server and its routes.
func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if opts.Maintenance == nil {
		return nil, fmt.Errorf("maintenance runner is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	s := &Server{
		cfg:       opts.Config,
		eng:       opts.Engine,
		maint:     opts.Maintenance,
		hub:       opts.Hub,
		snapshots: opts.Snapshots,
		logger:    logger.WithPrefix("http"),
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/memories", s.handleCreate)
	api.HandleFunc("GET /v1/memories", s.handleList)
	api.HandleFunc("POST /v1/memories/query", s.handleQuery)
	api.HandleFunc("GET /v1/memories/{id}", s.handleGet)
	api.HandleFunc("DELETE /v1/memories/{id}", s.handleDelete)
	api.HandleFunc("POST /v1/memories/{id}/deactivate", s.handleDeactivate)
	api.HandleFunc("POST /v1/memories/{id}/reactivate", s.handleReactivate)
	api.HandleFunc("PUT /v1/memories/{id}/confidence", s.handleSetConfidence)
	api.HandleFunc("GET /v1/memories/{id}/history", s.handleHistory)
	api.HandleFunc("GET /v1/memories/{id}/edges", s.handleEdgesOf)
	api.HandleFunc("POST /v1/edges", s.handleAddEdge)
	api.HandleFunc("POST /v1/analysis", s.handleAnalyze)
	api.HandleFunc("POST /v1/verification/candidates", s.handleCandidates)
	api.HandleFunc("POST /v1/verification/responses", s.handleResponse)
	api.HandleFunc("POST /v1/maintenance", s.handleRunMaintenance)
	api.HandleFunc("GET /v1/maintenance", s.handleLastMaintenance)
	if s.snapshots != nil {
		api.HandleFunc("GET /v1/snapshots", s.handleSnapshots)
	}
	if s.hub != nil {
		api.Handle("GET /v1/events", s.hub)
	}

	mux := http.NewServeMux()
	// Health endpoint: no auth, used by monitoring.
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("/v1/", requireAuth(api, s.cfg.APIToken))

	var handler http.Handler = mux
	if s.cfg.RateLimit > 0 {
		handler = rateLimitMiddleware(handler, newRateLimiter(s.cfg.RateLimit, s.cfg.Burst))
	}
	handler = securityHeadersMiddleware(handler)
	return loggingMiddleware(handler, s.logger)
}

// Start listens on the configured address and serves until ctx is done.
// It returns the actual listen address, which differs from the configured
// one when the port is 0.
func (s *Server) Start(ctx context.Context) (string, error) {
	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr(), err)
	}

	// No read or write timeouts: websocket connections are long-lived and
	// maintenance requests can take minutes.
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		if s.hub != nil {
			s.hub.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server shutdown error", "err", err)
		}
	}()

	addr := listener.Addr().String()
	s.logger.Info("listening", "addr", addr, "auth", s.cfg.APIToken != "")
	return addr, nil
}
