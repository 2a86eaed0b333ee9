package keylock

import (
	"context"
	"sync"
)

// Registry hands out mutual-exclusion locks keyed by string,
// created on demand and dropped again once nobody holds or waits for
// them, so the registry never grows with the number of cache lines, only
// with active contention. Locks are channel-based so acquisition can be
// bounded by a context deadline, the same select-on-ctx idiom used for
// the poller's worker semaphore.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewRegistry() *Registry {
	return &Registry{
		locks: make(map[string]*keyLock),
	}
}

// Acquire blocks until the key's lock is held or ctx expires. On success
// it returns a release func that must be called exactly once.
func (r *Registry) Acquire(ctx context.Context, key string) (func(), error) {
	lock := r.ref(key)

	select {
	case lock.ch <- struct{}{}:
		return func() {
			<-lock.ch
			r.unref(key)
		}, nil
	case <-ctx.Done():
		r.unref(key)
		return nil, ctx.Err()
	}
}

// Len reports how many keys currently have a lock allocated.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

func (r *Registry) ref(key string) *keyLock {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[key]
	if !ok {
		lock = &keyLock{ch: make(chan struct{}, 1)}
		r.locks[key] = lock
	}
	lock.refs++
	return lock
}

func (r *Registry) unref(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[key]
	if !ok {
		return
	}
	lock.refs--
	if lock.refs <= 0 {
		delete(r.locks, key)
	}
}
