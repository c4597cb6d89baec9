// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/crowdcue/crowdcue/internal/domain/fault"
	"github.com/crowdcue/crowdcue/internal/log"
)

// errorBody is the wire shape of every API failure.
type errorBody struct {
	Code       fault.Code       `json:"code"`
	Message    string           `json:"message"`
	Reason     fault.DenyReason `json:"reason,omitempty"`
	RetryAfter int64            `json:"retryAfter,omitempty"` // seconds
	RequestID  string           `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a fault to its HTTP status and envelope. Unclassified
// errors become 500 INTERNAL without leaking their message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{
		Code:      fault.Internal,
		Message:   "internal error",
		RequestID: log.RequestIDFromContext(r.Context()),
	}

	if fe, ok := fault.As(err); ok {
		body.Code = fe.Code
		body.Message = fe.Message
		body.Reason = fe.Reason
		if fe.RetryAfter > 0 {
			secs := int64(math.Ceil(fe.RetryAfter.Seconds()))
			body.RetryAfter = secs
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		}
	}

	status := statusFor(body.Code)
	if status >= http.StatusInternalServerError {
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func statusFor(code fault.Code) int {
	switch code {
	case fault.Validation:
		return http.StatusBadRequest
	case fault.NotFound:
		return http.StatusNotFound
	case fault.Conflict, fault.EventNotActive:
		return http.StatusConflict
	case fault.VoteDenied:
		return http.StatusTooManyRequests
	case fault.Provider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
