package engine

import (
	"sync"

	"github.com/scrypster/ltm/pkg/types"
)

// ownerLocks is a keyed mutex with one lock per owner. Entries are reference
// counted and removed when the last holder or waiter releases them, so the
// map only holds owners with work in flight.
type ownerLocks struct {
	mu    sync.Mutex
	locks map[string]*ownerLock
}

type ownerLock struct {
	mu   sync.Mutex
	refs int
}

func newOwnerLocks() *ownerLocks {
	return &ownerLocks{locks: make(map[string]*ownerLock)}
}

// lock blocks until owner's mutex is held and returns the release func.
func (l *ownerLocks) lock(owner types.Owner) func() {
	key := owner.Key()

	l.mu.Lock()
	ol, ok := l.locks[key]
	if !ok {
		ol = &ownerLock{}
		l.locks[key] = ol
	}
	ol.refs++
	l.mu.Unlock()

	ol.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ol.mu.Unlock()
			l.mu.Lock()
			ol.refs--
			if ol.refs == 0 {
				delete(l.locks, key)
			}
			l.mu.Unlock()
		})
	}
}

// len returns the number of owners currently tracked.
func (l *ownerLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
