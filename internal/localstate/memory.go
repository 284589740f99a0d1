package localstate

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	data    []byte
	expires time.Time
}

// Memory keeps encoded states in process, with an optional TTL.
type Memory struct {
	mu  sync.Mutex
	m   map[string]entry
	ttl time.Duration
	now func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{m: map[string]entry{}, ttl: ttl, now: time.Now}
}

func (s *Memory) Load(_ context.Context, key string) (State, bool) {
	s.mu.Lock()
	e, ok := s.m[key]
	if ok && !e.expires.IsZero() && s.now().After(e.expires) {
		delete(s.m, key)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return State{}, false
	}
	return decode(e.data)
}

func (s *Memory) Save(_ context.Context, key string, st State) {
	b, err := encode(st)
	if err != nil {
		return
	}
	e := entry{data: b}
	if s.ttl > 0 {
		e.expires = s.now().Add(s.ttl)
	}
	s.mu.Lock()
	s.m[key] = e
	s.mu.Unlock()
}

func (s *Memory) Delete(_ context.Context, key string) {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
}
