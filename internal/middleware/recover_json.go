package middleware

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"runtime/debug"

	"github.com/notehub/chat/internal/logger"
)

// responseWriter запоминает статус и факт записи ответа; RequestLog и RecoverJSON оба на него опираются.
// Реализует http.Hijacker, иначе upgrade /ws за этим middleware невозможен.
type responseWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wrote {
		return
	}
	w.status = code
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Flush нужен chi middleware.Compress и потоковым ответам.
func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack делегирует к нижележащему ResponseWriter, если он реализует http.Hijacker (нужно для WebSocket).
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

var internalErrorBody = map[string]string{"error": "internal server error"}

// RecoverJSON ловит панику обработчика: пишет стек в лог и, если ответ ещё не начат,
// отдаёт тот же JSON 500, что и ошибки сервиса. http.ErrAbortHandler пробрасывается дальше.
func RecoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logger.Errorf("panic %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
			if wrap.wrote {
				return
			}
			wrap.Header().Set("Content-Type", "application/json; charset=utf-8")
			wrap.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(wrap).Encode(internalErrorBody)
		}()
		next.ServeHTTP(wrap, r)
	})
}
