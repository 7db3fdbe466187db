// Package cache defines the persistent key-value collaborator the data
// holders forward their models to, plus two implementations: an in-memory one
// for tests and small apps, and a durable pebble-backed one.
//
// The engine never interprets or retries cache errors; they pass through
// completion callbacks verbatim. Calls and completions may happen on any
// goroutine; data holders re-home completions to the engine's delivery
// goroutine before touching observer state.
package cache

import (
	"context"
	"sync"

	"github.com/plivesey/rocketdata/model"
)

// Codec converts models to and from the bytes a cache stores. The
// persistence format is entirely owned by the cache side; the engine core
// defines none.
type Codec interface {
	Encode(n model.Node) ([]byte, error)
	Decode(data []byte) (model.Node, error)
}

// Cache is the collaborator contract. A (nil, nil) completion is a miss.
type Cache interface {
	Get(ctx context.Context, key string, completion func(model.Node, error))
	Put(ctx context.Context, key string, value model.Node) error
	Delete(ctx context.Context, key string) error

	GetCollection(ctx context.Context, key string, completion func([]model.Node, error))
	PutCollection(ctx context.Context, key string, values []model.Node) error
	DeleteCollection(ctx context.Context, key string) error
}

// Memory is a map-backed Cache with synchronous completions.
type Memory struct {
	mu          sync.Mutex
	items       map[string]model.Node
	collections map[string][]model.Node
}

func NewMemory() *Memory {
	return &Memory{
		items:       make(map[string]model.Node),
		collections: make(map[string][]model.Node),
	}
}

func (m *Memory) Get(ctx context.Context, key string, completion func(model.Node, error)) {
	m.mu.Lock()
	n := m.items[key]
	m.mu.Unlock()
	completion(n, nil)
}

func (m *Memory) Put(ctx context.Context, key string, value model.Node) error {
	m.mu.Lock()
	m.items[key] = value
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetCollection(ctx context.Context, key string, completion func([]model.Node, error)) {
	m.mu.Lock()
	values, ok := m.collections[key]
	var out []model.Node
	if ok {
		out = make([]model.Node, len(values))
		copy(out, values)
	}
	m.mu.Unlock()
	completion(out, nil)
}

func (m *Memory) PutCollection(ctx context.Context, key string, values []model.Node) error {
	stored := make([]model.Node, len(values))
	copy(stored, values)
	m.mu.Lock()
	m.collections[key] = stored
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteCollection(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.collections, key)
	m.mu.Unlock()
	return nil
}
