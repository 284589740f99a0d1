package corrector

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mind-engage/nmcprep/internal/practice"
	syncx "github.com/mind-engage/nmcprep/internal/sync"
)

type run struct {
	userID string
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the detached corrector runs, one per session.
type Manager struct {
	c      *Corrector
	events syncx.Appender

	root   context.Context
	stop   context.CancelFunc
	mu     sync.Mutex
	runs   map[string]*run
	wg     sync.WaitGroup
	onDone func(sessionID string, t Tally)
}

func NewManager(c *Corrector, events syncx.Appender) *Manager {
	root, stop := context.WithCancel(context.Background())
	return &Manager{c: c, events: events, root: root, stop: stop, runs: map[string]*run{}}
}

// OnDone registers a callback invoked after each run finishes.
func (m *Manager) OnDone(fn func(sessionID string, t Tally)) { m.onDone = fn }

// Start launches a run for sessionID. A run already active for the session
// is left in place and Start reports false.
func (m *Manager) Start(sessionID, userID string, qs []practice.Question) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[sessionID]; ok {
		return false
	}
	if m.root.Err() != nil {
		return false
	}
	ctx, cancel := context.WithCancel(m.root)
	r := &run{userID: userID, cancel: cancel, done: make(chan struct{})}
	m.runs[sessionID] = r
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(r.done)
		defer cancel()
		t := m.c.Run(ctx, qs)
		m.finish(sessionID, r, t)
	}()
	return true
}

func (m *Manager) finish(sessionID string, r *run, t Tally) {
	m.mu.Lock()
	if m.runs[sessionID] == r {
		delete(m.runs, sessionID)
	}
	m.mu.Unlock()

	log.Printf("corrector: session %s run %s: processed=%d succeeded=%d failed=%d conflicts=%d cancelled=%v",
		sessionID, t.RunID, t.TotalProcessed, t.TotalSucceeded, t.TotalFailed, t.Conflicts, t.Cancelled)
	if m.events != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.events.Append(ctx, syncx.NewEvent(syncx.TypeCorrectionRunFinished, sessionID, t)); err != nil {
			log.Printf("corrector: event log: %v", err)
		}
	}
	if m.onDone != nil {
		m.onDone(sessionID, t)
	}
}

// Cancel stops the run for sessionID, if any. It does not wait.
func (m *Manager) Cancel(sessionID string) {
	m.mu.Lock()
	r, ok := m.runs[sessionID]
	m.mu.Unlock()
	if ok {
		r.cancel()
	}
}

// CancelUser stops every run started for userID.
func (m *Manager) CancelUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.userID == userID {
			r.cancel()
		}
	}
}

// Active reports whether sessionID has a run in flight.
func (m *Manager) Active(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runs[sessionID]
	return ok
}

// Wait blocks until the run for sessionID ends or ctx is done.
func (m *Manager) Wait(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	r, ok := m.runs[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels all runs and waits for them to return.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stop()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
