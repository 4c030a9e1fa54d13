package registry

import (
	"context"
	"sync"
)

// Registry tracks funding UTXOs that have already been offered to the
// proving service. It is append-only except for Clear; a claimed id is
// released only by an explicit Clear, never automatically.
type Registry interface {
	// Claim atomically marks the id as used and reports whether this
	// call was the one that claimed it. A false return means another
	// operation already holds it.
	Claim(ctx context.Context, id string) (bool, error)
	// MarkUsed marks the id as used regardless of prior state.
	MarkUsed(ctx context.Context, id string) error
	// Used reports whether the id has been claimed.
	Used(ctx context.Context, id string) (bool, error)
	// Clear removes every entry.
	Clear(ctx context.Context) error
}

// Memory is an in-process Registry protected by a mutex.
type Memory struct {
	mu   sync.Mutex
	used map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		used: make(map[string]struct{}),
	}
}

func (m *Memory) Claim(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.used[id]; ok {
		return false, nil
	}
	m.used[id] = struct{}{}
	return true, nil
}

func (m *Memory) MarkUsed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.used[id] = struct{}{}
	return nil
}

func (m *Memory) Used(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.used[id]
	return ok, nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.used = make(map[string]struct{})
	return nil
}
