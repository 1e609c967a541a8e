package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/notehub/chat/internal/logger"
	"github.com/notehub/chat/internal/storage"
)

const (
	rateLimitWindow = time.Minute
	// ipLimitFactor — запас для IP: за одним NAT может сидеть несколько пользователей.
	ipLimitFactor = 2
)

type rateKey struct {
	key   string
	limit int
}

func clientIP(r *http.Request) string {
	if x := r.Header.Get("X-Real-Ip"); x != "" {
		return x
	}
	if x := r.Header.Get("X-Forwarded-For"); x != "" {
		return strings.TrimSpace(strings.Split(x, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitAPI ограничивает запросы к /api/* по IP и по user_id (если он уже в контексте).
// 429 при превышении; ошибка хранилища лимитов запрос не блокирует.
func RateLimitAPI(limiter storage.Limiter, perMinute int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if perMinute <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			keys := []rateKey{{"api:ip:" + clientIP(r), perMinute * ipLimitFactor}}
			if userID, ok := GetUserID(ctx); ok {
				keys = append(keys, rateKey{"api:u:" + strconv.FormatInt(userID, 10), perMinute})
			}
			for _, k := range keys {
				ok, err := limiter.Allow(ctx, k.key, k.limit, rateLimitWindow)
				if err != nil {
					logger.Errorf("rate limit %s: %v", k.key, err)
					continue
				}
				if !ok {
					w.Header().Set("Retry-After", strconv.Itoa(int(rateLimitWindow.Seconds())))
					http.Error(w, "too many requests", http.StatusTooManyRequests)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
