package collector

import (
	"context"
	"sync"

	"github.com/ernie/deadside-tracker/internal/domain"
)

// serverGuards holds one single-slot guard per server. Every unit of work
// for a server, scheduled or administrative, runs while holding its slot.
type serverGuards struct {
	mu    sync.Mutex
	slots map[domain.Scope]chan struct{}
}

func newServerGuards() *serverGuards {
	return &serverGuards{slots: make(map[domain.Scope]chan struct{})}
}

func (g *serverGuards) slot(scope domain.Scope) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[scope]
	if !ok {
		s = make(chan struct{}, 1)
		g.slots[scope] = s
	}
	return s
}

// TryAcquire takes the slot if it is free
func (g *serverGuards) TryAcquire(scope domain.Scope) bool {
	select {
	case g.slot(scope) <- struct{}{}:
		return true
	default:
		return false
	}
}

// Acquire waits for the slot or for ctx to end
func (g *serverGuards) Acquire(ctx context.Context, scope domain.Scope) error {
	select {
	case g.slot(scope) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *serverGuards) Release(scope domain.Scope) {
	<-g.slot(scope)
}

// Busy reports whether a unit of work currently holds the slot
func (g *serverGuards) Busy(scope domain.Scope) bool {
	return len(g.slot(scope)) > 0
}
