// Package noncestore keeps issued login nonces so each one is accepted once.
package noncestore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

var errEmptyNonce = errors.New("nonce must not be empty")

// Memory keeps nonces in process memory. Use Redis when several instances
// serve the same site.
type Memory struct {
	mu    sync.Mutex
	cache *cache.Cache
}

// NewMemory creates a memory store whose entries expire after ttl unless a
// different ttl is given to Put.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Memory{cache: cache.New(ttl, ttl*2)}
}

// Put records an issued nonce.
func (m *Memory) Put(_ context.Context, nonce string, ttl time.Duration) error {
	if nonce == "" {
		return errEmptyNonce
	}
	if ttl <= 0 {
		ttl = cache.DefaultExpiration
	}
	m.cache.Set(nonce, struct{}{}, ttl)
	return nil
}

// Consume reports whether the nonce was issued and unused, and removes it.
func (m *Memory) Consume(_ context.Context, nonce string) (bool, error) {
	if nonce == "" {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cache.Get(nonce); !ok {
		return false, nil
	}
	m.cache.Delete(nonce)
	return true, nil
}

// Len returns the number of live nonces.
func (m *Memory) Len() int {
	return m.cache.ItemCount()
}
