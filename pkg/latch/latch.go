/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package latch

import (
	"sync"
	"sync/atomic"
)

// Latch holds a value that is published at most once. Readers that arrive
// before publication block until it happens.
type Latch[T any] struct {
	value atomic.Pointer[T]
	mu    sync.Mutex
	cond  *sync.Cond
}

func New[T any]() *Latch[T] {
	l := &Latch[T]{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Set publishes v and wakes every waiting reader. Only the first call has an
// effect; it reports whether this call published.
func (l *Latch[T]) Set(v T) bool {
	if l.value.Load() != nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.value.CompareAndSwap(nil, &v) {
		return false
	}
	l.cond.Broadcast()
	return true
}

// TryGet returns the value if it has been published.
func (l *Latch[T]) TryGet() (T, bool) {
	if p := l.value.Load(); p != nil {
		return *p, true
	}
	var zero T
	return zero, false
}

// Get returns the published value, waiting for it if needed.
func (l *Latch[T]) Get() T {
	if p := l.value.Load(); p != nil {
		return *p
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if p := l.value.Load(); p != nil {
			return *p
		}
		l.cond.Wait()
	}
}
