// Package keylock provides mutual exclusion per string key, for serializing
// work on one thread, draft or account without a global lock.
package keylock

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{}
	refs int
}

// Locker hands out one lock per key. Entries are dropped when no goroutine
// holds or waits for them, so the map only grows with live keys.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Locker {
	return &Locker{entries: make(map[string]*entry)}
}

func (l *Locker) acquire(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Locker) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Lock blocks until the key is free or ctx ends. The returned func unlocks.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	e := l.acquire(key)

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

// TryLock takes the key only if it is free right now.
func (l *Locker) TryLock(key string) (func(), bool) {
	e := l.acquire(key)

	select {
	case e.ch <- struct{}{}:
	default:
		l.release(key, e)
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, true
}

// Len reports how many keys are currently held or awaited.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
