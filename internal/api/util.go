package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/lyndonlyu/upkeep/internal/backup"
	"github.com/lyndonlyu/upkeep/internal/downloader"
	"github.com/lyndonlyu/upkeep/internal/rollback"
	"github.com/lyndonlyu/upkeep/internal/update"
)

type ErrorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// WriteJSONObject writes obj with status 200.
func WriteJSONObject(ctx context.Context, w http.ResponseWriter, obj interface{}) {
	writeJSON(ctx, w, http.StatusOK, obj)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, httpStatus int, obj interface{}) {
	setHeaders(w)
	w.WriteHeader(httpStatus)
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		log.WithContext(ctx).Errorf("failed to encode response: %v", err)
	}
}

func setHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
}

// WriteErrorResponse writes an already sanitized message as a JSON error.
func WriteErrorResponse(errMsg string, httpStatus int, w http.ResponseWriter) {
	setHeaders(w)
	w.WriteHeader(httpStatus)
	err := json.NewEncoder(w).Encode(&ErrorResponse{
		Message: errMsg,
		Code:    httpStatus,
	})
	if err != nil {
		http.Error(w, "failed handling request", http.StatusInternalServerError)
	}
}

// WriteError maps err onto a status code and writes it. Messages of known
// error classes are passed through; anything else is logged and answered with
// a generic message.
func WriteError(ctx context.Context, err error, w http.ResponseWriter) {
	httpStatus, msg := classify(err)
	if httpStatus == http.StatusInternalServerError {
		log.WithContext(ctx).Errorf("got a handler error: %s", err.Error())
	} else {
		log.WithContext(ctx).Debugf("request rejected: %s", err.Error())
	}
	WriteErrorResponse(msg, httpStatus, w)
}

// classify returns the status code and client-facing message for err.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, update.ErrConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, update.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, update.ErrInvalidVersion),
		errors.Is(err, update.ErrIncompatible),
		errors.Is(err, rollback.ErrNotRollbackable),
		errors.Is(err, rollback.ErrNothingToRestore):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, downloader.ErrIntegrity), errors.Is(err, backup.ErrIntegrity):
		return http.StatusUnprocessableEntity, "integrity check failed"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}
