package httpapi

import (
	"log/slog"
	"net/http"
	"time"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// requestLogger logs each diagnostics request together with the link state
// and epoch it observed.
func requestLogger(deps Deps, next http.Handler) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", sr.status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if deps.Server != nil {
			attrs = append(attrs, "state", deps.Server.State().String())
		}
		if deps.Session != nil {
			attrs = append(attrs, "epoch", deps.Session.Epoch())
		}
		logger.Debug("diag: request", attrs...)
	})
}
