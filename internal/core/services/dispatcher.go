package services

import (
	"context"
	"sync"

	"proxcall/internal/core/domain"
	"proxcall/internal/core/ports"
)

// Dispatcher fans an event out to every registered handler in order.
type Dispatcher struct {
	handlers []ports.EventHandler
}

// NewDispatcher fans events out to handlers in registration order.
func NewDispatcher(handlers ...ports.EventHandler) *Dispatcher {
	return &Dispatcher{handlers: handlers}
}

// Add must be called before the dispatcher is shared between goroutines.
func (d *Dispatcher) Add(h ports.EventHandler) {
	d.handlers = append(d.handlers, h)
}

// HandleEvent delivers event to every handler synchronously.
func (d *Dispatcher) HandleEvent(ctx context.Context, event domain.Event) {
	for _, h := range d.handlers {
		h.HandleEvent(ctx, event)
	}
}

type nopHandler struct{}

func (nopHandler) HandleEvent(context.Context, domain.Event) {}

// orderedEmitter delivers event batches in the order their tickets were
// taken. Owners take a ticket while still holding their state lock and emit
// after releasing it, so handlers may call read-only methods on the owner.
type orderedEmitter struct {
	mu     sync.Mutex
	cond   *sync.Cond
	issued uint64
	served uint64
}

func newOrderedEmitter() *orderedEmitter {
	e := &orderedEmitter{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *orderedEmitter) ticket() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.issued
	e.issued++
	return t
}

func (e *orderedEmitter) emit(ctx context.Context, ticket uint64, handler ports.EventHandler, events []domain.Event) {
	e.mu.Lock()
	for e.served != ticket {
		e.cond.Wait()
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.served++
		e.cond.Broadcast()
		e.mu.Unlock()
	}()

	for _, ev := range events {
		handler.HandleEvent(ctx, ev)
	}
}
