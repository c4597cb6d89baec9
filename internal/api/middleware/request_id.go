// SPDX-License-Identifier: MIT

// Package middleware holds the HTTP middleware shared by all API surfaces.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/crowdcue/crowdcue/internal/log"
)

// HeaderRequestID carries the correlation id in and out of the API.
const HeaderRequestID = "X-Request-ID"

// RequestID adds a unique ID to every request.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(HeaderRequestID)
		if reqID == "" {
			reqID = uuid.New().String()
		}
		w.Header().Set(HeaderRequestID, reqID)
		ctx := log.ContextWithRequestID(r.Context(), reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
