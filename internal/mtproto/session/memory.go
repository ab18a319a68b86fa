package session

import (
	"context"
	"sync"
)

// MemoryStore держит сессию в памяти процесса.
type MemoryStore struct {
	mux sync.Mutex
	s   *Session
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Load(context.Context) (*Session, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.s.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.s = s.Clone()
	return nil
}

func (m *MemoryStore) Clear(context.Context) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.s = nil
	return nil
}
