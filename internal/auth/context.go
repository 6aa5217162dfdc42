package auth

import (
	"context"

	"github.com/jw6ventures/calcore/internal/store"
)

type contextKey string

const (
	contextKeyPrincipal    contextKey = "principal"
	contextKeyImpersonator contextKey = "impersonator"
)

func WithPrincipal(ctx context.Context, p *store.Principal) context.Context {
	return context.WithValue(ctx, contextKeyPrincipal, p)
}

func PrincipalFromContext(ctx context.Context) (*store.Principal, bool) {
	p, ok := ctx.Value(contextKeyPrincipal).(*store.Principal)
	return p, ok && p != nil
}

// WithImpersonator records the admin account acting on behalf of the principal.
func WithImpersonator(ctx context.Context, admin string) context.Context {
	return context.WithValue(ctx, contextKeyImpersonator, admin)
}

func ImpersonatorFromContext(ctx context.Context) string {
	s, _ := ctx.Value(contextKeyImpersonator).(string)
	return s
}
