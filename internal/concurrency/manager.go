// Package concurrency holds non-blocking per-key locks used to keep two runs
// from working on the same directory at once.
package concurrency

import "sync"

// Manager hands out one lock per key.
type Manager struct {
	locks sync.Map // map[string]chan struct{}
}

func NewManager() *Manager {
	return &Manager{}
}

// TryAcquire takes the lock for key without blocking and reports whether it succeeded.
// Keys are local paths such as a watch directory.
func (m *Manager) TryAcquire(key string) bool {
	actual, _ := m.locks.LoadOrStore(key, make(chan struct{}, 1))
	ch := actual.(chan struct{})

	select {
	case ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees key. Releasing an unheld key is a no-op.
func (m *Manager) Release(key string) {
	if actual, ok := m.locks.Load(key); ok {
		select {
		case <-actual.(chan struct{}):
		default:
		}
	}
}
