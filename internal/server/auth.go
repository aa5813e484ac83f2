package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/me/gowps/pkg/model"
)

const ctxKeyCaller ctxKey = "caller"

// UserHeader carries the identity resolved by the authenticating proxy in
// front of the API.
const UserHeader = "X-User"

// CallerFromContext returns the caller of a request. Requests without an
// identity are anonymous.
func CallerFromContext(ctx context.Context) model.Caller {
	if c, ok := ctx.Value(ctxKeyCaller).(model.Caller); ok {
		return c
	}
	return model.Caller{}
}

// callerMiddleware resolves X-User into a Caller. Administrators come from
// configuration; the header alone never grants admin rights.
func callerMiddleware(isAdmin func(user string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := strings.TrimSpace(r.Header.Get(UserHeader))
			caller := model.Caller{User: user, Admin: user != "" && isAdmin != nil && isAdmin(user)}
			ctx := context.WithValue(r.Context(), ctxKeyCaller, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireAdmin rejects non-administrators.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !CallerFromContext(r.Context()).Admin {
			respondError(w, RequestIDFromContext(r.Context()), http.StatusForbidden,
				model.NewAuthorizationError("administrator access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
