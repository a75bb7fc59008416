// Package lock serializes pipeline runs. The local locker holds one
// semaphore per key inside the process; the DynamoDB locker extends the same
// guarantee across instances sharing a table.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrHeld is returned by TryAcquire when another holder owns the key.
var ErrHeld = errors.New("lock is held")

// HeldError names the key and, when known, its current owner.
type HeldError struct {
	Key   string
	Owner string
}

func (e *HeldError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("lock %s is held", e.Key)
	}
	return fmt.Sprintf("lock %s is held by %s", e.Key, e.Owner)
}

func (e *HeldError) Is(target error) bool {
	return target == ErrHeld
}

// Release gives a lock back. Calling it more than once is a no-op.
type Release func()

// Locker grants exclusive ownership of a key.
type Locker interface {
	// Acquire blocks until the key is free or ctx ends.
	Acquire(ctx context.Context, key string) (Release, error)

	// TryAcquire returns a *HeldError immediately when the key is taken.
	TryAcquire(ctx context.Context, key string) (Release, error)
}

// =============================================================================
// Local
// =============================================================================

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{sems: make(map[string]*semaphore.Weighted)}
}

func (l *Local) Acquire(ctx context.Context, key string) (Release, error) {
	sem := l.sem(key)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return once(func() { sem.Release(1) }), nil
}

func (l *Local) TryAcquire(_ context.Context, key string) (Release, error) {
	sem := l.sem(key)
	if !sem.TryAcquire(1) {
		return nil, &HeldError{Key: key}
	}
	return once(func() { sem.Release(1) }), nil
}

func (l *Local) sem(key string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.sems[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.sems[key] = sem
	}
	return sem
}

func once(fn func()) Release {
	var o sync.Once
	return func() { o.Do(fn) }
}
