package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/drewdunne/conductor/internal/approval"
	"github.com/drewdunne/conductor/internal/mergetrain"
	"github.com/drewdunne/conductor/internal/models"
	"github.com/drewdunne/conductor/internal/store"
)

// ErrorResponse is the body of every failed API request.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var errBadRequest = errors.New("bad request")

// errorStatus maps service errors onto a status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, store.ErrNotFound), errors.Is(err, mergetrain.ErrNotOnTrain):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrInvalidRule), errors.Is(err, errValidation):
		return http.StatusUnprocessableEntity, "validation_failed"
	case errors.Is(err, approval.ErrSelfApproval),
		errors.Is(err, approval.ErrCommitterApproval),
		errors.Is(err, approval.ErrNotEligible),
		errors.Is(err, approval.ErrOverridesDisallowed),
		errors.Is(err, mergetrain.ErrTrainsDisabled):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, mergetrain.ErrInvalidTransition),
		errors.Is(err, mergetrain.ErrPredecessorsPending),
		errors.Is(err, mergetrain.ErrMergeInProgress),
		errors.Is(err, mergetrain.ErrPipelineNotSucceeded):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrStaleObject),
		errors.Is(err, approval.ErrAlreadyApproved),
		errors.Is(err, approval.ErrNotApproved),
		errors.Is(err, approval.ErrMergeRequestNotOpen),
		errors.Is(err, approval.ErrRuleImmutable),
		errors.Is(err, mergetrain.ErrAlreadyOnTrain),
		errors.Is(err, mergetrain.ErrNotOpen),
		errors.Is(err, mergetrain.ErrNotApproved):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg = http.StatusText(status)
	}
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
