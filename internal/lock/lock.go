// Package lock serializes work on the same contact identifiers (email and
// phone values) so that concurrent sightings of one identity cannot each
// observe an empty store and create competing primaries.
package lock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrNotAcquired is returned when a key stays held until ctx is done.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker acquires all keys or none. The returned release func is safe to call
// once and must be called after the protected work committed.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (func(), error)
}

// Noop never blocks.
type Noop struct{}

func (Noop) Lock(context.Context, ...string) (func(), error) {
	return func() {}, nil
}

// Local is an in-process keyed mutex.
type Local struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	sem  chan struct{}
	refs int
}

// NewLocal creates an in-process Locker.
func NewLocal() *Local {
	return &Local{locks: make(map[string]*entry)}
}

// Lock acquires keys in sorted order.
func (l *Local) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalizeKeys(keys)
	held := make([]string, 0, len(keys))

	for _, key := range keys {
		e := l.acquireRef(key)
		select {
		case e.sem <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			l.releaseRef(key)
			l.unlock(held)
			return nil, fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, ctx.Err())
		}
	}

	var once sync.Once
	return func() { once.Do(func() { l.unlock(held) }) }, nil
}

func (l *Local) acquireRef(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *Local) releaseRef(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.locks[key]
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *Local) unlock(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		l.mu.Lock()
		e := l.locks[keys[i]]
		l.mu.Unlock()
		<-e.sem
		l.releaseRef(keys[i])
	}
}

// held reports the number of keys currently tracked.
func (l *Local) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func normalizeKeys(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}
