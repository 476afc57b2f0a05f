package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/leapstack-labs/proclineage/internal/state"
	"github.com/leapstack-labs/proclineage/pkg/assemble"
	"github.com/leapstack-labs/proclineage/pkg/lineage"
)

// MaxDepthLimit caps the depth a request may ask for.
const MaxDepthLimit = 32

type handlers struct {
	cfg    Config
	logger *slog.Logger
}

// AnalyzeRequest is the body of POST /v1/lineage.
type AnalyzeRequest struct {
	Name     string `json:"name"`
	SQL      string `json:"sql"`
	Dialect  string `json:"dialect,omitempty"`
	MaxDepth int    `json:"max_depth,omitempty"`
	Store    bool   `json:"store,omitempty"`
}

// AnalyzeResponse is the reply of POST /v1/lineage.
type AnalyzeResponse struct {
	Run   *state.Run      `json:"run,omitempty"`
	Graph *assemble.Graph `json:"graph"`
}

// RunResponse is the reply of GET /v1/runs/{runID}.
type RunResponse struct {
	Run     *state.Run            `json:"run"`
	Columns []state.ColumnLineage `json:"columns"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", slog.Int("status", status), slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"dialects": lineage.Dialects(),
		"store":    h.cfg.Store != nil,
	})
}

func (h *handlers) analyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, errors.New("invalid request body: "+err.Error()))
		return
	}
	if strings.TrimSpace(req.SQL) == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("sql is required"))
		return
	}
	if req.MaxDepth < 0 || req.MaxDepth > MaxDepthLimit {
		h.writeError(w, http.StatusBadRequest, errors.New("max_depth must be between 0 and "+strconv.Itoa(MaxDepthLimit)+" (0 selects the default)"))
		return
	}
	if req.Store && h.cfg.Store == nil {
		h.writeError(w, http.StatusServiceUnavailable, errors.New("no state store configured"))
		return
	}

	opts := h.cfg.Options
	if req.Dialect != "" {
		opts.Dialect = req.Dialect
	}
	if req.MaxDepth > 0 {
		opts.MaxDepth = req.MaxDepth
	}

	g := lineage.New(opts).Analyze(req.Name, req.SQL)
	for _, d := range g.AllDiagnostics() {
		h.logger.Debug("diagnostic", slog.String("procedure", g.Procedure), slog.String("diagnostic", d.String()))
	}

	resp := AnalyzeResponse{Graph: g}
	if req.Store {
		run, err := h.cfg.Store.SaveGraph(r.Context(), g, state.RunMeta{Dialect: opts.Dialect, Source: "api"})
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, err)
			return
		}
		resp.Run = run
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) requireStore(w http.ResponseWriter) bool {
	if h.cfg.Store == nil {
		h.writeError(w, http.StatusServiceUnavailable, errors.New("no state store configured"))
		return false
	}
	return true
}

func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	runs, err := h.cfg.Store.ListRuns(r.Context(), r.URL.Query().Get("procedure"), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []*state.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	id := chi.URLParam(r, "runID")

	run, err := h.cfg.Store.GetRun(r.Context(), id)
	if err != nil {
		h.storeError(w, err)
		return
	}
	cols, err := h.cfg.Store.GetColumnLineage(r.Context(), id, r.URL.Query().Get("column"))
	if err != nil {
		h.storeError(w, err)
		return
	}
	if cols == nil {
		cols = []state.ColumnLineage{}
	}
	writeJSON(w, http.StatusOK, RunResponse{Run: run, Columns: cols})
}

func (h *handlers) getGraph(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	g, err := h.cfg.Store.GetGraph(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *handlers) getImpact(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	column := r.URL.Query().Get("column")
	if column == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("column is required"))
		return
	}
	g, err := h.cfg.Store.GetGraph(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		h.storeError(w, err)
		return
	}
	imp, ok := g.Impact(column)
	if !ok {
		h.writeError(w, http.StatusNotFound, errors.New("no column "+strconv.Quote(column)+" in run"))
		return
	}
	writeJSON(w, http.StatusOK, imp)
}

func (h *handlers) deleteRun(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	if err := h.cfg.Store.DeleteRun(r.Context(), chi.URLParam(r, "runID")); err != nil {
		h.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, state.ErrRunNotFound) {
		h.writeError(w, http.StatusNotFound, err)
		return
	}
	h.writeError(w, http.StatusInternalServerError, err)
}
