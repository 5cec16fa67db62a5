// Package lock provides the cycle guard: at most one evolution cycle runs at a
// time, either within one process or across replicas sharing a Redis.
package lock

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrNotHeld is returned by a Release when the lock was no longer owned by
// the caller, for example because its TTL expired.
var ErrNotHeld = errors.New("lock not held")

// Release gives up a lock obtained from TryAcquire.
type Release func(ctx context.Context) error

// Locker is a non-blocking mutual exclusion guard.
type Locker interface {
	// TryAcquire takes the lock if it is free. ok is false when another
	// owner holds it; release is nil in that case.
	TryAcquire(ctx context.Context) (release Release, ok bool, err error)
}

// Local is an in-process Locker.
type Local struct {
	held atomic.Bool
}

// NewLocal returns an unlocked Local.
func NewLocal() *Local {
	return &Local{}
}

// TryAcquire implements Locker.
func (l *Local) TryAcquire(context.Context) (Release, bool, error) {
	if !l.held.CompareAndSwap(false, true) {
		return nil, false, nil
	}
	var released atomic.Bool
	return func(context.Context) error {
		if !released.CompareAndSwap(false, true) {
			return ErrNotHeld
		}
		l.held.Store(false)
		return nil
	}, true, nil
}
