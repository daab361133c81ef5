package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/scrypster/ltm/internal/attribution"
	"github.com/scrypster/ltm/internal/engine"
	"github.com/scrypster/ltm/internal/scheduler"
	"github.com/scrypster/ltm/internal/storage"
	"github.com/scrypster/ltm/pkg/types"
)

const maxBodyBytes = 1 << 20

// errorResponse is the body of every non-2xx reply.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// writeEngineError maps the engine's error kinds onto status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrValidation):
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
	case errors.Is(err, types.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, types.ErrConflict):
		writeError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, scheduler.ErrBusy):
		writeError(w, http.StatusConflict, "BUSY", err.Error())
	case errors.Is(err, types.ErrOracleUnavailable):
		writeError(w, http.StatusServiceUnavailable, "ORACLE_UNAVAILABLE", err.Error())
	default:
		s.logger.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// memoryResponse adds the typed details, which types.Memory leaves out of
// its own encoding.
type memoryResponse struct {
	*types.Memory
	Details json.RawMessage `json:"details,omitempty"`
}

func toResponse(m *types.Memory) *memoryResponse {
	if m == nil {
		return nil
	}
	resp := &memoryResponse{Memory: m}
	if m.Details != nil {
		if raw, err := types.MarshalDetails(m.Details); err == nil {
			resp.Details = raw
		}
	}
	return resp
}

func toResponses(mems []*types.Memory) []*memoryResponse {
	out := make([]*memoryResponse, len(mems))
	for i, m := range mems {
		out[i] = toResponse(m)
	}
	return out
}

type ownerRequest struct {
	UserID string `json:"user_id"`
	Scope  string `json:"scope"`
}

func (o ownerRequest) owner() types.Owner {
	return types.NewOwner(o.UserID, o.Scope)
}

type createRequest struct {
	ownerRequest
	Content    string           `json:"content"`
	Category   types.Category   `json:"category"`
	Type       types.MemoryType `json:"type"`
	Confidence float64          `json:"confidence"`
	Source     string           `json:"source"`
	Details    json.RawMessage  `json:"details"`
}

type createResponse struct {
	Memory  *memoryResponse `json:"memory"`
	Created bool            `json:"created"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	in := engine.NewMemory{
		Owner:      req.owner(),
		Content:    req.Content,
		Category:   req.Category,
		Type:       req.Type,
		Confidence: req.Confidence,
		Source:     req.Source,
	}
	if in.Source == "" {
		in.Source = attribution.FromRequest(r)
	}
	if len(req.Details) > 0 && string(req.Details) != "null" {
		details, err := types.UnmarshalDetails(req.Details)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
			return
		}
		in.Details = details
	}

	m, created, err := s.eng.CreateMemory(r.Context(), in)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, createResponse{Memory: toResponse(m), Created: created})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := storage.ListOptions{
		Category:          types.Category(q.Get("category")),
		Type:              types.MemoryType(q.Get("type")),
		VerificationState: types.VerificationState(q.Get("state")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "VALIDATION", "limit must be a non-negative integer")
			return
		}
		opts.Limit = n
	}

	mems, err := s.eng.ListMemories(r.Context(), types.NewOwner(q.Get("user_id"), q.Get("scope")), opts)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": toResponses(mems)})
}

type queryRequest struct {
	ownerRequest
	Text     string         `json:"text"`
	K        int            `json:"k"`
	Category types.Category `json:"category"`
	Trace    bool           `json:"trace"`
}

type queryResult struct {
	Memory     *memoryResponse `json:"memory"`
	Similarity float64         `json:"similarity"`
}

type queryResponse struct {
	Results []queryResult      `json:"results"`
	Trace   *engine.QueryTrace `json:"trace,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Trace && !s.cfg.Trace {
		writeError(w, http.StatusForbidden, "TRACE_DISABLED", "query tracing is disabled")
		return
	}

	ctx := r.Context()
	var tc *engine.TraceCollector
	if req.Trace {
		tc = engine.NewTraceCollector()
		ctx = engine.WithTraceCollector(ctx, tc)
	}

	scored, err := s.eng.QueryMemories(ctx, req.owner(), req.Text, req.K, req.Category)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	resp := queryResponse{Results: make([]queryResult, len(scored))}
	for i, sm := range scored {
		resp.Results[i] = queryResult{Memory: toResponse(sm.Memory), Similarity: sm.Similarity}
	}
	if tc != nil {
		resp.Trace = engine.BuildQueryTrace(tc.Events(), tc.ElapsedMS())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	m, err := s.eng.GetMemory(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(m))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.HardDelete(r.Context(), r.PathValue("id")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	s.setActive(w, r, s.eng.Deactivate)
}

func (s *Server) handleReactivate(w http.ResponseWriter, r *http.Request) {
	s.setActive(w, r, s.eng.Reactivate)
}

func (s *Server) setActive(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) error) {
	id := r.PathValue("id")
	if err := fn(r.Context(), id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	m, err := s.eng.GetMemory(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(m))
}

type confidenceRequest struct {
	Value  *float64 `json:"value"`
	Reason string   `json:"reason"`
}

func (s *Server) handleSetConfidence(w http.ResponseWriter, r *http.Request) {
	var req confidenceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "value is required")
		return
	}
	m, err := s.eng.UpdateConfidence(r.Context(), r.PathValue("id"), *req.Value, req.Reason)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(m))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.eng.ConfidenceHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if history == nil {
		history = []storage.ConfidenceChange{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (s *Server) handleEdgesOf(w http.ResponseWriter, r *http.Request) {
	edges, err := s.eng.EdgesOf(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if edges == nil {
		edges = []types.Edge{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"edges": edges})
}

type edgeRequest struct {
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	Type       types.EdgeType `json:"type"`
	Confidence float64        `json:"confidence"`
}

func (s *Server) handleAddEdge(w http.ResponseWriter, r *http.Request) {
	var req edgeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	edge, err := s.eng.AddEdge(r.Context(), req.SourceID, req.TargetID, req.Type, req.Confidence)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, edge)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req ownerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	report, err := s.eng.AnalyzeOnce(r.Context(), req.owner())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	var req ownerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	questions, err := s.eng.GetVerificationCandidates(r.Context(), req.owner())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if questions == nil {
		questions = []engine.VerificationQuestion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"questions": questions})
}

type responseRequest struct {
	ownerRequest
	MemoryID string `json:"memory_id"`
	Response string `json:"response"`
}

func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	var req responseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := s.eng.RecordVerificationResponse(r.Context(), req.owner(), req.MemoryID, req.Response)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outcome":    result.Outcome,
		"memory":     toResponse(result.Memory),
		"correction": toResponse(result.Correction),
		"similarity": result.Similarity,
	})
}

func (s *Server) handleRunMaintenance(w http.ResponseWriter, r *http.Request) {
	report, err := s.maint.RunNow(r.Context())
	if err != nil && report == nil {
		s.writeEngineError(w, err)
		return
	}
	// A pass cancelled between stages still reports what it did.
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleLastMaintenance(w http.ResponseWriter, r *http.Request) {
	report, err := s.maint.Last()
	if report == nil && err == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no maintenance has run yet")
		return
	}
	body := map[string]any{"report": report}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	status, err := s.snapshots.Status()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "healthy",
		"backend": s.eng.Backend(),
		"index":   s.eng.IndexStats(),
	}
	if s.hub != nil {
		body["subscribers"] = s.hub.Len()
	}
	writeJSON(w, http.StatusOK, body)
}
