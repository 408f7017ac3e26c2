// SPDX-License-Identifier: MIT

// Package devicelock implements the per-device exclusive mutex table
// (spec C4): a lazily-created, cancellable lock per unit_id ensuring at
// most one concurrent TCP session to any single device, whether the
// caller is a single request/response exchange or an hours-long DRD
// stream.
package devicelock

import (
	"context"
	"fmt"
	"sync"
)

// Table is a process-wide map from unit_id to an exclusive lock. It is
// owned by the application root and shared between the Background Poller
// and the HTTP surface so both paths serialize on the same per-device
// lock, per spec §5's ordering guarantees.
type Table struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewTable creates an empty device mutex table.
func NewTable() *Table {
	return &Table{locks: make(map[string]chan struct{})}
}

func (t *Table) channel(unit string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.locks[unit]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[unit] = ch
	}
	return ch
}

// Release is held by a caller that successfully acquired a device's lock;
// only the first call releases the lock, and later calls do nothing.
type Release func()

// Acquire blocks until the exclusive lock for unit is available or ctx is
// done, whichever comes first. On success it returns a Release function
// the caller must call exactly once to give up the lock.
func (t *Table) Acquire(ctx context.Context, unit string) (Release, error) {
	ch := t.channel(unit)

	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() { <-ch })
		}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire lock for %s: %w", unit, ctx.Err())
	}
}

// TryAcquire attempts to acquire the lock without blocking. It reports
// false immediately if the device is already locked, matching the poller's
// "skip rather than queue behind a long stream" policy (spec §9).
func (t *Table) TryAcquire(unit string) (Release, bool) {
	ch := t.channel(unit)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() { <-ch })
		}, true
	default:
		return nil, false
	}
}
