package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/notehub/chat/internal/logger"
	"github.com/notehub/chat/internal/observability"
)

// RequestLog логирует каждый HTTP-запрос (method, path, время) и пишет метрики по шаблону маршрута.
func RequestLog(next http.Handler) http.Handler {
	observability.RegisterMetrics()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer logger.DeferLogDuration("http "+r.Method+" "+r.URL.Path, start)()
		wrap, ok := w.(*responseWriter)
		if !ok {
			wrap = &responseWriter{ResponseWriter: w, status: http.StatusOK}
		}
		next.ServeHTTP(wrap, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		observability.HTTPRequests().WithLabelValues(r.Method, route, strconv.Itoa(wrap.status)).Inc()
		observability.HTTPLatency().WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
