package ports

import (
	"context"

	"proxcall/internal/core/domain"
)

// EventHandler receives domain events after the producing service has
// released its state lock. Handlers must not block for long.
type EventHandler interface {
	HandleEvent(ctx context.Context, event domain.Event)
}

type EventHandlerFunc func(ctx context.Context, event domain.Event)

func (f EventHandlerFunc) HandleEvent(ctx context.Context, event domain.Event) {
	f(ctx, event)
}
