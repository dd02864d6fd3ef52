// Package api serves the operator HTTP surface for the update pipeline.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/lyndonlyu/upkeep/internal/attempt"
	"github.com/lyndonlyu/upkeep/internal/health"
	"github.com/lyndonlyu/upkeep/internal/metrics"
	"github.com/lyndonlyu/upkeep/internal/rollback"
	"github.com/lyndonlyu/upkeep/internal/update"
)

const (
	// OperatorHeader names the operator recorded as initiated_by.
	OperatorHeader = "X-Upkeep-Operator"

	defaultOperator     = "api"
	defaultHistoryLimit = 20
	maxBodyBytes        = 1 << 16
)

type Options struct {
	Updates    *update.Orchestrator
	Rollbacks  *rollback.Executor
	AdminToken string
	// Health, when set, serves GET /updates/health.
	Health func(ctx context.Context) *health.Report
}

type handler struct {
	updates   *update.Orchestrator
	rollbacks *rollback.Executor
	health    func(ctx context.Context) *health.Report
}

type versionRequest struct {
	Version string `json:"version"`
}

type rollbackRequest struct {
	RestoreAssets bool `json:"restore_assets"`
}

type downloadResponse struct {
	Success  bool             `json:"success"`
	FilePath string           `json:"file_path,omitempty"`
	Attempt  *attempt.Attempt `json:"attempt,omitempty"`
}

type applyResponse struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	AttemptID       string `json:"attempt_id,omitempty"`
	FromVersion     string `json:"from_version,omitempty"`
	ToVersion       string `json:"to_version,omitempty"`
	RestartRequired bool   `json:"restart_required"`
}

type rollbackResponse struct {
	Success bool `json:"success"`
	*rollback.Result
}

// NewRouter registers every /updates endpoint and /metrics. The update
// routes sit behind the admin token when one is configured.
func NewRouter(opts Options) http.Handler {
	h := &handler{updates: opts.Updates, rollbacks: opts.Rollbacks, health: opts.Health}

	router := mux.NewRouter()
	router.Handle("/metrics", metrics.Handler()).Methods("GET")

	updates := router.PathPrefix("/updates").Subrouter()
	updates.Use(NewAuthMiddleware(opts.AdminToken).Handler)
	updates.HandleFunc("/status", h.getStatus).Methods("GET")
	updates.HandleFunc("/check", h.check).Methods("GET")
	updates.HandleFunc("/available", h.getAvailable).Methods("GET")
	updates.HandleFunc("/history", h.getHistory).Methods("GET")
	updates.HandleFunc("/history/{attemptId}", h.getAttempt).Methods("GET")
	updates.HandleFunc("/compatibility/{version}", h.getCompatibility).Methods("GET")
	updates.HandleFunc("/version", h.getVersion).Methods("GET")
	updates.HandleFunc("/download", h.download).Methods("POST")
	updates.HandleFunc("/apply", h.apply).Methods("POST")
	updates.HandleFunc("/rollback/{attemptId}", h.rollback).Methods("POST")
	if h.health != nil {
		updates.HandleFunc("/health", h.getHealth).Methods("GET")
	}

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteErrorResponse("resource not found", http.StatusNotFound, w)
	})
	return router
}

func (h *handler) getStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.updates.Status(r.Context())
	if err != nil {
		WriteError(r.Context(), err, w)
		return
	}
	WriteJSONObject(r.Context(), w, st)
}

// getHealth answers 503 when the updater itself is RED or worse.
func (h *handler) getHealth(w http.ResponseWriter, r *http.Request) {
	report := h.health(r.Context())
	status := http.StatusOK
	if !report.Level.Serving() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(r.Context(), w, status, report)
}

func (h *handler) check(w http.ResponseWriter, r *http.Request) {
	av, err := h.updates.Check(r.Context())
	if err != nil {
		WriteError(r.Context(), err, w)
		return
	}
	WriteJSONObject(r.Context(), w, av)
}

func (h *handler) getAvailable(w http.ResponseWriter, r *http.Request) {
	releases, err := h.updates.Available(r.Context())
	if err != nil {
		WriteError(r.Context(), err, w)
		return
	}
	WriteJSONObject(r.Context(), w, releases)
}

func (h *handler) getHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteErrorResponse("limit must be a non-negative integer", http.StatusBadRequest, w)
			return
		}
		limit = n
	}
	attempts, err := h.updates.History(limit)
	if err != nil {
		WriteError(r.Context(), err, w)
		return
	}
	if attempts == nil {
		attempts = []*attempt.Attempt{}
	}
	WriteJSONObject(r.Context(), w, attempts)
}

func (h *handler) getAttempt(w http.ResponseWriter, r *http.Request) {
	a, err := h.updates.Attempt(mux.Vars(r)["attemptId"])
	if err != nil {
		WriteError(r.Context(), err, w)
		return
	}
	WriteJSONObject(r.Context(), w, a)
}

func (h *handler) getCompatibility(w http.ResponseWriter, r *http.Request) {
	report, err := h.updates.Compatibility(r.Context(), mux.Vars(r)["version"])
	if err != nil {
		WriteError(r.Context(), err, w)
		return
	}
	WriteJSONObject(r.Context(), w, report)
}

func (h *handler) getVersion(w http.ResponseWriter, r *http.Request) {
	info, err := h.updates.Version()
	if err != nil {
		WriteError(r.Context(), err, w)
		return
	}
	WriteJSONObject(r.Context(), w, info)
}

func (h *handler) download(w http.ResponseWriter, r *http.Request) {
	var req versionRequest
	if err := decodeBody(r, &req); err != nil {
		WriteErrorResponse("couldn't parse JSON request", http.StatusBadRequest, w)
		return
	}
	a, err := h.updates.Download(pipelineContext(r), req.Version, operator(r))
	if err != nil {
		WriteError(r.Context(), err, w)
		return
	}
	WriteJSONObject(r.Context(), w, &downloadResponse{Success: true, FilePath: a.FilePath, Attempt: a})
}

// apply blocks until the pipeline finishes. A failure after the attempt was
// recorded still returns its id so the operator can inspect it.
func (h *handler) apply(w http.ResponseWriter, r *http.Request) {
	var req versionRequest
	if err := decodeBody(r, &req); err != nil {
		WriteErrorResponse("couldn't parse JSON request", http.StatusBadRequest, w)
		return
	}
	res, err := h.updates.Apply(pipelineContext(r), req.Version, operator(r))
	if err != nil {
		if res == nil || res.AttemptID == "" {
			WriteError(r.Context(), err, w)
			return
		}
		httpStatus, _ := classify(err)
		log.WithContext(r.Context()).Errorf("update attempt %s failed: %v", res.AttemptID, err)
		writeJSON(r.Context(), w, httpStatus, &applyResponse{
			Message:     res.Message,
			AttemptID:   res.AttemptID,
			FromVersion: res.FromVersion,
			ToVersion:   res.ToVersion,
		})
		return
	}
	WriteJSONObject(r.Context(), w, &applyResponse{
		Success:         true,
		Message:         res.Message,
		AttemptID:       res.AttemptID,
		FromVersion:     res.FromVersion,
		ToVersion:       res.ToVersion,
		RestartRequired: res.RestartRequired,
	})
}

func (h *handler) rollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := decodeBody(r, &req); err != nil {
		WriteErrorResponse("couldn't parse JSON request", http.StatusBadRequest, w)
		return
	}
	res, err := h.rollbacks.Rollback(pipelineContext(r), mux.Vars(r)["attemptId"], rollback.Options{
		RestoreAssets: req.RestoreAssets,
		InitiatedBy:   operator(r),
	})
	if err != nil {
		WriteError(r.Context(), err, w)
		return
	}
	WriteJSONObject(r.Context(), w, &rollbackResponse{Success: true, Result: res})
}

// decodeBody accepts an empty body and leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func operator(r *http.Request) string {
	if op := r.Header.Get(OperatorHeader); op != "" {
		return op
	}
	return defaultOperator
}

// pipelineContext detaches the pipeline from the client connection: a
// dropped request must not interrupt a half-applied update.
func pipelineContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}
