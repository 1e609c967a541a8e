package middleware

import "context"

type contextKey string

const UserIDKey contextKey = "user_id"

// GetUserID возвращает user_id из контекста (устанавливается JWTAuth).
func GetUserID(ctx context.Context) (int64, bool) {
	v, ok := ctx.Value(UserIDKey).(int64)
	return v, ok && v > 0
}

// WithUserID кладёт user_id в контекст (JWTAuth, тесты обработчиков).
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
