package httpmw

import (
	"context"
	"net/http"
	"strings"

	"github.com/pixalio/dm-service/pkg/logger"
)

type ctxKey string

const ctxKeyUserID ctxKey = "user_id"

type Authenticator interface {
	Authenticate(token string) (userID string, err error)
}

// AuthMiddleware требует Authorization: Bearer <jwt>; userID берётся только из проверенного токена.
func AuthMiddleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if len(h) <= 7 || !strings.EqualFold(h[:7], "Bearer ") {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			uid, err := auth.Authenticate(strings.TrimSpace(h[7:]))
			if err != nil {
				logger.FromContext(r.Context()).Debug("auth rejected", "err", err)
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			ctx := WithUserID(r.Context(), uid)
			ctx = logger.WithContext(ctx, logger.FromContext(ctx).With("user", uid))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKeyUserID, userID)
}

func UserIDFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyUserID).(string); ok {
		return v
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
