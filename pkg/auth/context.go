// Package auth carries the acting principal through a run and validates
// signed actor tokens.
package auth

import (
	"context"
	"errors"
)

type contextKey string

const (
	principalKey contextKey = "principal"
)

// SystemActor is recorded when no principal is attached to the context.
const SystemActor = "system"

// ErrNoPrincipal is returned by GetPrincipal on a bare context.
var ErrNoPrincipal = errors.New("auth: no principal in context")

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the Principal from the context.
func GetPrincipal(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok || p == nil {
		return nil, ErrNoPrincipal
	}
	return p, nil
}

// ActorID returns the id of the context's principal, or SystemActor.
func ActorID(ctx context.Context) string {
	p, err := GetPrincipal(ctx)
	if err != nil || p.GetID() == "" {
		return SystemActor
	}
	return p.GetID()
}
