package users

import (
	"context"
	"net/http"

	"github.com/dripcheck/dripcheck/internal/api"
	"github.com/dripcheck/dripcheck/internal/governance"
)

type contextKey string

const userCtxKey contextKey = "user"

func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userCtxKey, user)
}

func FromContext(ctx context.Context) *User {
	user, _ := ctx.Value(userCtxKey).(*User)
	return user
}

// RequireUsernameSet rejects users still carrying the placeholder username.
// It must run after the identity middleware.
func RequireUsernameSet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := FromContext(r.Context())
		if user == nil {
			api.HandleError(w, governance.Reject(governance.KindIdentityRequired, "user could not be identified"))
			return
		}
		if !user.UsernameSet {
			api.HandleError(w, governance.Reject(governance.KindUsernameRequired, "please set a username before continuing"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
