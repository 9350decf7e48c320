package auth

import (
	"context"
	"net/http"
	"strings"
)

type sessionContextKey struct{}

// SessionFromContext returns the session attached by RequireSession.
func SessionFromContext(ctx context.Context) (Session, bool) {
	session, ok := ctx.Value(sessionContextKey{}).(Session)
	return session, ok
}

func ContextWithSession(ctx context.Context, session Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, session)
}

// RequireSession admits requests whose bearer token belongs to an active session.
func RequireSession(service *Service, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			writeFailure(w, fail(ErrUnauthorized))
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeFailure(w, fail(ErrUnauthorized))
			return
		}

		tokenStr := strings.TrimSpace(parts[1])
		if tokenStr == "" {
			writeFailure(w, fail(ErrUnauthorized))
			return
		}

		session, err := service.Authenticate(r.Context(), tokenStr)
		if err != nil {
			typed, _ := AsError(err)
			writeFailure(w, typed)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), session)))
	})
}
