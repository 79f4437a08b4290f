package storage

import (
	"errors"
	"sync"
)

// ErrNotFound is returned by Backend.Load for a missing record.
var ErrNotFound = errors.New("storage: record not found")

// Backend persists named records. Implementations must make Store durable
// before returning: the core relies on that to keep the signature counter
// monotonic across power loss.
type Backend interface {
	Load(name string) ([]byte, error)
	Store(name string, data []byte) error
	Delete(name string) error
}

// MemBackend is an in-memory Backend for tests and the software
// authenticator.
type MemBackend struct {
	mu      sync.Mutex
	records map[string][]byte
}

func NewMemBackend() *MemBackend {
	return &MemBackend{records: make(map[string][]byte)}
}

func (b *MemBackend) Load(name string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.records[name]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (b *MemBackend) Store(name string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[name] = append([]byte(nil), data...)
	return nil
}

func (b *MemBackend) Delete(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, name)
	return nil
}
