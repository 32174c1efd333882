package executor

import (
	"context"
	"fmt"

	"github.com/vinayprograms/taskagent/internal/catalog"
)

// ActorResolver returns current actor context (identity, tier, tenant).
// The engine calls it periodically so privilege changes apply mid-task.
type ActorResolver interface {
	Resolve(ctx context.Context, tenantID, actorID string) (catalog.Actor, error)
}

// StaticActors resolves actors from a fixed table keyed by tenant and actor ID.
type StaticActors map[string]catalog.Actor

// ActorKey builds the StaticActors key.
func ActorKey(tenantID, actorID string) string {
	return tenantID + "/" + actorID
}

// Add registers an actor.
func (s StaticActors) Add(a catalog.Actor) {
	s[ActorKey(a.TenantID, a.ID)] = a
}

func (s StaticActors) Resolve(ctx context.Context, tenantID, actorID string) (catalog.Actor, error) {
	a, ok := s[ActorKey(tenantID, actorID)]
	if !ok {
		return catalog.Actor{}, fmt.Errorf("%w %s in tenant %s", ErrUnknownActor, actorID, tenantID)
	}
	return a, nil
}
