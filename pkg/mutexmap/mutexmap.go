// Dynamic map of named mutexes. Used to serialize concurrent writers of the same
// blob without one global lock over all blob writes.
package mutexmap

import (
	"sync"
)

type M struct {
	mu    sync.Mutex
	locks map[string]chan struct{} // closed when the holder unlocks
}

func New() *M {
	return &M{
		locks: map[string]chan struct{}{},
	}
}

// acquires the named lock, blocking until it is free. the returned func releases it
func (m *M) Lock(key string) func() {
	for {
		unlock, waitCh := m.tryLock(key)
		if unlock != nil {
			return unlock
		}

		// wait until current holder releases, then race for it again
		<-waitCh
	}
}

// non-blocking acquire. ok=false means somebody else holds the lock right now
func (m *M) TryLock(key string) (func(), bool) {
	unlock, _ := m.tryLock(key)
	return unlock, unlock != nil
}

func (m *M) tryLock(key string) (func(), chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if held, has := m.locks[key]; has {
		return nil, held
	}

	released := make(chan struct{})
	m.locks[key] = released

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		delete(m.locks, key)
		close(released)
	}, nil
}
