package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"git.home.luguber.info/inful/buildcoord/internal/logfields"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// loggingMiddleware logs one line per request.
func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Debug("HTTP request",
				logfields.Method(r.Method),
				logfields.Path(r.URL.Path),
				logfields.RemoteAddr(r.RemoteAddr),
				slog.Int("status", rec.status),
				logfields.DurationMS(float64(time.Since(start).Microseconds())/1000))
		})
	}
}

// recoverMiddleware turns a handler panic into a 500.
func recoverMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					logger.Error("Panic in HTTP handler",
						logfields.Method(r.Method),
						logfields.Path(r.URL.Path),
						slog.Any("panic", v))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal error"}`))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
