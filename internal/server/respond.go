package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"git.cscs.ch/openchami/chamicore-valence/internal/apierr"
)

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// respondError renders err as the normalized error payload.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	body := apierr.ToBody(err, middleware.GetReqID(r.Context()))
	if body.Status >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("code", body.Code).Msg("request failed")
	}
	respondJSON(w, body.Status, body)
}

func respondProblem(w http.ResponseWriter, r *http.Request, status int, code, title, detail string) {
	respondJSON(w, status, apierr.Body{
		RequestID: middleware.GetReqID(r.Context()),
		Code:      code,
		Status:    status,
		Title:     title,
		Detail:    detail,
	})
}

func requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set(middleware.RequestIDHeader, id)
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger attaches a request-scoped logger and logs one line per request.
func requestLogger(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := base.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
			ctx := logger.WithContext(r.Context())

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request handled")
		})
	}
}

func recoverer(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					base.Error().Interface("panic", rec).Str("request_id", middleware.GetReqID(r.Context())).Msg("handler panicked")
					respondError(w, r, apierr.Internal("unexpected server error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
