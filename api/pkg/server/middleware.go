package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kfpbridge/kfpbridge/api/pkg/system"
	"github.com/kfpbridge/kfpbridge/api/pkg/types"
)

type contextKey string

const userContextKey contextKey = "user"

func setRequestUser(r *http.Request, user *types.User) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), userContextKey, user))
}

func getRequestUser(r *http.Request) *types.User {
	value := r.Context().Value(userContextKey)
	if value == nil {
		return nil
	}
	return value.(*types.User)
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

// requestLogMiddleware tags every request with an ID and logs its outcome.
func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		startTime := time.Now()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(rec, r)

		log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(startTime)).
			Msg("request")
	})
}

// extractUserMiddleware attaches the authenticated user to the request
// context when the identity provider recognizes the request. It never
// rejects by itself; requireUser does that for routes that need it.
func (s *Server) extractUserMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, ok := s.authProvider.Authenticate(r); ok {
			r = setRequestUser(r, user)
		}
		next.ServeHTTP(w, r)
	})
}

// requireUser rejects unauthenticated requests with the JSON 403 contract.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if getRequestUser(r) == nil {
			system.WriteError(w, http.StatusForbidden, "Not authorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
