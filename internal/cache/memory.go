package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryProvider keeps claims in process memory. It is the default when no
// Valkey address is configured and a single replica is running.
type MemoryProvider struct {
	mu   sync.Mutex
	data map[string]entry
	now  func() time.Time
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryProvider returns an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{data: make(map[string]entry), now: time.Now}
}

func (p *MemoryProvider) lookup(key string) (entry, bool) {
	e, ok := p.data[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !p.now().Before(e.expiresAt) {
		delete(p.data, key)
		return entry{}, false
	}
	return e, true
}

// Get returns a copy of the stored value or ErrCacheMiss.
func (p *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.lookup(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), e.value...), nil
}

// SetNX stores value only when key is absent or expired.
func (p *MemoryProvider) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.lookup(key); ok {
		return false, nil
	}
	var expires time.Time
	if ttl > 0 {
		expires = p.now().Add(ttl)
	}
	p.data[key] = entry{value: append([]byte(nil), value...), expiresAt: expires}
	return true, nil
}

// Del removes key.
func (p *MemoryProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data, key)
	return nil
}

// Close drops all entries.
func (p *MemoryProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data = make(map[string]entry)
	return nil
}
