// Package lock provides keyed in-process mutexes.
package lock

import "sync"

// MutexMap hands out one mutex per key. Entries are never removed; keys are
// sequence ids, which are bounded by the number of sequences in the store.
type MutexMap struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMutexMap returns an empty MutexMap.
func NewMutexMap() *MutexMap {
	return &MutexMap{locks: make(map[string]*sync.Mutex)}
}

func (m *MutexMap) get(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// Lock acquires the mutex for key.
func (m *MutexMap) Lock(key string) {
	m.get(key).Lock()
}

// Unlock releases the mutex for key.
func (m *MutexMap) Unlock(key string) {
	m.get(key).Unlock()
}

// TryLock acquires the mutex for key without blocking.
func (m *MutexMap) TryLock(key string) bool {
	return m.get(key).TryLock()
}

// With runs fn while holding the mutex for key.
func (m *MutexMap) With(key string, fn func() error) error {
	l := m.get(key)
	l.Lock()
	defer l.Unlock()
	return fn()
}
