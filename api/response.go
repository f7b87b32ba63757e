package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/malwarebo/portrait/utils"
)

const maxPageLimit = 500

type ErrorResponse struct {
	Success    bool        `json:"success"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	RetryAfter int         `json:"retry_after,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// writeError maps the error taxonomy onto a status and a user-facing body.
// Internal errors are logged and replaced with a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := utils.HTTPStatus(err)
	resp := ErrorResponse{Success: false, Message: err.Error()}

	var (
		valErrs  utils.ValidationErrors
		valErr   *utils.ValidationError
		rateErr  *utils.RateLimitedError
		apiErr   *utils.APIError
		breakErr *utils.CircuitOpenError
	)
	switch {
	case errors.As(err, &valErrs):
		resp.Message = "Validation failed"
		resp.Details = valErrs
	case errors.As(err, &valErr):
		resp.Message = "Validation failed"
		resp.Details = utils.ValidationErrors{*valErr}
	case errors.As(err, &rateErr):
		resp.RetryAfter = rateErr.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfter))
	case errors.As(err, &breakErr):
	case errors.As(err, &apiErr):
		resp.Message = apiErr.Message
		if apiErr.Details != "" {
			resp.Details = apiErr.Details
		}
	}

	if status >= http.StatusInternalServerError && apiErr == nil && breakErr == nil {
		utils.LogError(r.Context(), err, "Request failed", map[string]interface{}{"path": r.URL.Path})
		resp.Message = utils.ErrInternalServer.Message
	}

	writeJSON(w, status, resp)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return utils.NewAPIErrorWithDetails(http.StatusBadRequest, "Invalid request body", err.Error())
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}
