// Package cache implements the response cache: a deterministic content key
// plus two interchangeable stores, in-memory (TTL and size bounded) and
// Redis for deployments that share results across instances.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/task"
)

// Key derives the content-addressed cache key for a task. The NUL separator
// keeps (type="ab", content="c") and (type="a", content="bc") distinct.
func Key(taskType, content string) string {
	h := sha256.Sum256([]byte(taskType + "\x00" + content))
	return hex.EncodeToString(h[:])
}

// Store is the response cache contract. A miss is (zero, false, nil);
// errors are reserved for transport problems on external backends.
type Store interface {
	Get(ctx context.Context, key string) (task.ModelResponse, bool, error)
	Set(ctx context.Context, key string, resp task.ModelResponse) error
	Len(ctx context.Context) (int, error)
	Close() error
}

// Bounds applied when the config does not say otherwise.
const (
	DefaultTTL        = time.Hour
	DefaultMaxEntries = 10000
)

type entry struct {
	resp      task.ModelResponse
	createdAt time.Time
}

// Memory is a TTL-bounded, size-limited in-memory Store. A background
// goroutine prunes expired entries every ttl/2; at capacity the oldest entry
// is evicted.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]*entry
	ttl        time.Duration
	maxEntries int
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewMemory creates a memory store; non-positive arguments fall back to the
// package defaults.
func NewMemory(ttl time.Duration, maxEntries int) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	m := &Memory{
		entries:    make(map[string]*entry),
		ttl:        ttl,
		maxEntries: maxEntries,
		stop:       make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// Get returns the cached response if present and unexpired.
func (m *Memory) Get(ctx context.Context, key string) (task.ModelResponse, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return task.ModelResponse{}, false, nil
	}
	if time.Since(e.createdAt) > m.ttl {
		delete(m.entries, key)
		return task.ModelResponse{}, false, nil
	}
	return e.resp, true, nil
}

// Set stores a response under key. At capacity the oldest entry is evicted
// to make room.
func (m *Memory) Set(ctx context.Context, key string, resp task.ModelResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxEntries {
		m.evictOldest()
	}
	m.entries[key] = &entry{resp: resp, createdAt: time.Now()}
	return nil
}

// Len counts unexpired entries.
func (m *Memory) Len(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	return len(m.entries), nil
}

// Close stops the background pruner. Safe to call more than once.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

func (m *Memory) cleanupLoop() {
	interval := m.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			m.pruneLocked()
			m.mu.Unlock()
		case <-m.stop:
			return
		}
	}
}

// pruneLocked removes expired entries. Caller holds m.mu.
func (m *Memory) pruneLocked() {
	now := time.Now()
	for k, e := range m.entries {
		if now.Sub(e.createdAt) > m.ttl {
			delete(m.entries, k)
		}
	}
}

// evictOldest removes the entry with the earliest createdAt. Caller holds
// m.mu.
func (m *Memory) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, e := range m.entries {
		if first || e.createdAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.createdAt
			first = false
		}
	}
	if !first {
		delete(m.entries, oldestKey)
	}
}
