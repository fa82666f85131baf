package engine

import "sync"

// noteLocks is a keyed mutex: one lock per note id, created on demand and
// dropped once no goroutine holds or waits for it.
type noteLocks struct {
	mu    sync.Mutex
	locks map[string]*noteLock
}

type noteLock struct {
	mu   sync.Mutex
	refs int
}

func newNoteLocks() *noteLocks {
	return &noteLocks{locks: make(map[string]*noteLock)}
}

// Lock acquires the lock for noteID and returns its release func.
func (l *noteLocks) Lock(noteID string) (unlock func()) {
	l.mu.Lock()
	nl, ok := l.locks[noteID]
	if !ok {
		nl = &noteLock{}
		l.locks[noteID] = nl
	}
	nl.refs++
	l.mu.Unlock()

	nl.mu.Lock()

	return func() {
		nl.mu.Unlock()

		l.mu.Lock()
		nl.refs--
		if nl.refs == 0 {
			delete(l.locks, noteID)
		}
		l.mu.Unlock()
	}
}

// size returns the number of live lock entries. Used in tests.
func (l *noteLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
