package shared

import (
	"context"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/roles"
)

// Actor describes the authenticated principal performing an operation.
type Actor struct {
	ID        int64
	Name      string
	Role      roles.Role
	IP        string
	UserAgent string
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context. The zero Actor is
// returned when none is present.
func ActorFromContext(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorContextKey{}).(Actor)
	return actor
}
