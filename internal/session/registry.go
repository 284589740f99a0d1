package session

import (
	"context"
	"sync"
)

type registered struct {
	r    *Runner
	stop context.CancelFunc
}

// Registry maps session ids to live runners and owns their watch loops.
type Registry struct {
	mu      sync.Mutex
	runners map[string]registered
}

func NewRegistry() *Registry {
	return &Registry{runners: map[string]registered{}}
}

func (g *Registry) Get(id string) (*Runner, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.runners[id]
	return e.r, ok
}

// Add registers r and starts its deadline watch. onDeadline gets the watch
// context, which is cancelled by Remove and Close. If a runner for the same
// session is already present, that one is kept and returned.
func (g *Registry) Add(r *Runner, onDeadline func(context.Context, *Runner)) *Runner {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.runners[r.SessionID()]; ok {
		return e.r
	}
	ctx, stop := context.WithCancel(context.Background())
	g.runners[r.SessionID()] = registered{r: r, stop: stop}
	go r.Watch(ctx, func() { onDeadline(ctx, r) })
	return r
}

// Remove stops the watch loop and forgets the runner.
func (g *Registry) Remove(id string) {
	g.mu.Lock()
	e, ok := g.runners[id]
	delete(g.runners, id)
	g.mu.Unlock()
	if ok {
		e.stop()
	}
}

func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.runners)
}

// Close stops every watch loop.
func (g *Registry) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, e := range g.runners {
		e.stop()
		delete(g.runners, id)
	}
}
