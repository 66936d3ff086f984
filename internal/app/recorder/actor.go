package recorder

import "context"

// Actor is the acting user an event is recorded under.
type Actor struct {
	ID   string
	Name string
}

type actorContextKey struct{}

// WithActor binds the acting user to the request context. The HTTP layer
// does this once per authenticated request.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFrom(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	if !ok || actor.ID == "" {
		return Actor{}, false
	}
	return actor, true
}
