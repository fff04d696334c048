package state

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore keeps states in process memory. Everything is lost on
// restart; meant for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]ConversationState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]ConversationState)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (ConversationState, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, &StoreError{Op: "get", Err: ErrEmptyKey}
	}
	if err := ctx.Err(); err != nil {
		return nil, false, &StoreError{Op: "get", Key: key, Err: err}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[key]
	if !ok {
		return nil, false, nil
	}
	return Clone(st), true, nil
}

func (m *MemoryStore) GetOrDefault(ctx context.Context, key string) (ConversationState, error) {
	st, ok, err := m.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return Default(), nil
	}
	return st, nil
}

func (m *MemoryStore) Update(ctx context.Context, key string, s ConversationState) error {
	if strings.TrimSpace(key) == "" {
		return &StoreError{Op: "update", Err: ErrEmptyKey}
	}
	if err := ctx.Err(); err != nil {
		return &StoreError{Op: "update", Key: key, Err: err}
	}
	if s == nil {
		return &StoreError{Op: "update", Key: key, Err: errNilState}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[key] = Clone(s)
	return nil
}

func (m *MemoryStore) Reset(ctx context.Context, key string) error {
	return m.Update(ctx, key, Default())
}

// Len reports how many chats have a stored state.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}

func (m *MemoryStore) Close() error { return nil }
