package middleware

import (
	"context"
	"errors"
)

type contextKey string

const authContextKey contextKey = "authContext"

var ErrNoAuthContext = errors.New("no auth context")

// AuthContext carries the authenticated viewer identity through a request.
type AuthContext struct {
	UserID   int64
	Username string
	TokenID  string
}

func WithAuthContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, ac)
}

func GetAuthContext(ctx context.Context) (*AuthContext, error) {
	ac, ok := ctx.Value(authContextKey).(*AuthContext)
	if !ok || ac == nil {
		return nil, ErrNoAuthContext
	}
	return ac, nil
}
