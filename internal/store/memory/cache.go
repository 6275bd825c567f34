package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

// WindowCache implements domain.WindowCache without expiry.
type WindowCache struct {
	mu      sync.RWMutex
	windows map[int64]domain.PriceWindow
}

func NewWindowCache() *WindowCache {
	return &WindowCache{windows: make(map[int64]domain.PriceWindow)}
}

func (c *WindowCache) SetWindow(_ context.Context, w domain.PriceWindow) error {
	c.mu.Lock()
	c.windows[w.WindowStart] = w
	c.mu.Unlock()
	return nil
}

func (c *WindowCache) GetWindow(_ context.Context, windowStart int64) (domain.PriceWindow, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.windows[windowStart]
	if !ok {
		return w, fmt.Errorf("memory: window %d: %w", windowStart, domain.ErrNotFound)
	}
	return w, nil
}

// NonceStore implements domain.NonceStore.
type NonceStore struct {
	mu     sync.Mutex
	nonces map[string]uint64
}

func NewNonceStore() *NonceStore {
	return &NonceStore{nonces: make(map[string]uint64)}
}

func (s *NonceStore) Current(_ context.Context, user string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonces[domain.NormalizeAddress(user)], nil
}

func (s *NonceStore) Consume(_ context.Context, user string, nonce uint64) (bool, error) {
	user = domain.NormalizeAddress(user)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nonces[user] != nonce {
		return false, nil
	}
	s.nonces[user] = nonce + 1
	return true, nil
}

// LockManager implements domain.LockManager for a single process.
type LockManager struct {
	mu    sync.Mutex
	held  map[string]time.Time
	now   func() time.Time
	owner map[string]uint64
	seq   uint64
}

func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]time.Time), owner: make(map[string]uint64), now: time.Now}
}

func (l *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if exp, ok := l.held[key]; ok && l.now().Before(exp) {
		return nil, fmt.Errorf("memory: lock %s: %w", key, domain.ErrLockHeld)
	}
	l.seq++
	token := l.seq
	l.held[key] = l.now().Add(ttl)
	l.owner[key] = token

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.owner[key] == token {
				delete(l.held, key)
				delete(l.owner, key)
			}
			l.mu.Unlock()
		})
	}, nil
}

var (
	_ domain.WindowCache = (*WindowCache)(nil)
	_ domain.NonceStore  = (*NonceStore)(nil)
	_ domain.LockManager = (*LockManager)(nil)
)
