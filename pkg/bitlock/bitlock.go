/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package bitlock implements a set of spinlocks, one bit each, living in a
// caller supplied memory region.
//
// Lock indices are permuted as (index * multiplier) % count before picking a
// bit, with the multiplier coprime to count. Neighbouring chunks are usually
// faulted together; the permutation spreads their bits over different words
// and cache lines.
package bitlock

import (
	"fmt"
	"math/bits"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/errdefs"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/utils/align"
)

// DefaultMultiplierSeed is where the search for a coprime multiplier starts.
var DefaultMultiplierSeed uint64 = 8 * 64

// Number of yields before a spinning acquirer starts sleeping.
const spinYields = 16

var ErrContended = errors.New("lock contended")

type OutOfBoundsError struct {
	Index uint64
	Count uint64
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("lock index %d out of bounds (%d locks)", e.Index, e.Count)
}

type Bitlock struct {
	words      []uint32
	count      uint64
	multiplier uint64
	poisoned   atomic.Bool
}

// RegionSize is the number of bytes New needs for count locks.
func RegionSize(count uint64) uint64 {
	return align.DivCeil(count, 32) * 4
}

// New creates count locks over region. The region must be 4-byte aligned and
// zeroed, and must outlive the Bitlock.
func New(region []byte, count uint64) (*Bitlock, error) {
	if count == 0 {
		return nil, errors.Wrap(errdefs.ErrInvalidConfig, "zero locks")
	}
	need := RegionSize(count)
	if uint64(len(region)) < need {
		return nil, errors.Wrapf(errdefs.ErrInvalidConfig, "region of %d bytes too small for %d locks", len(region), count)
	}
	base := unsafe.Pointer(unsafe.SliceData(region))
	if uintptr(base)%4 != 0 {
		return nil, errors.Wrap(errdefs.ErrInvalidConfig, "lock region is not 4-byte aligned")
	}

	multiplier := DefaultMultiplierSeed
	for align.GCD(multiplier, count) != 1 {
		multiplier++
	}

	return &Bitlock{
		words:      unsafe.Slice((*uint32)(base), need/4),
		count:      count,
		multiplier: multiplier,
	}, nil
}

func (l *Bitlock) Count() uint64 {
	return l.count
}

func (l *Bitlock) Multiplier() uint64 {
	return l.multiplier
}

// Slot returns the permuted bit position of lock index.
func (l *Bitlock) Slot(index uint64) uint64 {
	hi, lo := bits.Mul64(index, l.multiplier)
	return bits.Rem64(hi, lo, l.count)
}

func (l *Bitlock) Poisoned() bool {
	return l.poisoned.Load()
}

// Poison makes every further acquisition fail. Held locks can still be
// released.
func (l *Bitlock) Poison() {
	l.poisoned.Store(true)
}

func (l *Bitlock) guard(index uint64) (*Guard, error) {
	if index >= l.count {
		return nil, &OutOfBoundsError{Index: index, Count: l.count}
	}
	slot := l.Slot(index)
	return &Guard{
		lock:  l,
		index: index,
		word:  &l.words[slot/32],
		mask:  1 << (slot % 32),
	}, nil
}

func (l *Bitlock) checkPoison(index uint64) error {
	if l.poisoned.Load() {
		return errors.Wrapf(errdefs.ErrLockPoisoned, "lock %d", index)
	}
	return nil
}

// TryLock acquires lock index without waiting.
func (l *Bitlock) TryLock(index uint64) (*Guard, error) {
	g, err := l.guard(index)
	if err != nil {
		return nil, err
	}
	if err := l.checkPoison(index); err != nil {
		return nil, err
	}
	if !g.acquire() {
		return nil, ErrContended
	}
	return g, nil
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Microsecond
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxInterval = time.Millisecond
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// SpinLock acquires lock index, yielding and then sleeping with randomized
// exponential backoff until it is free. Fails once the set is poisoned.
func (l *Bitlock) SpinLock(index uint64) (*Guard, error) {
	g, err := l.guard(index)
	if err != nil {
		return nil, err
	}

	var b *backoff.ExponentialBackOff
	for attempt := 0; ; attempt++ {
		if err := l.checkPoison(index); err != nil {
			return nil, err
		}
		if g.acquire() {
			return g, nil
		}
		if attempt < spinYields {
			runtime.Gosched()
			continue
		}
		if b == nil {
			b = newBackOff()
		}
		time.Sleep(b.NextBackOff())
	}
}

// Guard is a held lock.
type Guard struct {
	lock     *Bitlock
	index    uint64
	word     *uint32
	mask     uint32
	released bool
}

func (g *Guard) acquire() bool {
	return atomic.OrUint32(g.word, g.mask)&g.mask == 0
}

func (g *Guard) Index() uint64 {
	return g.index
}

// Unlock releases the lock. Unlocking twice is a no-op.
func (g *Guard) Unlock() {
	if g.released {
		return
	}
	g.released = true
	atomic.AndUint32(g.word, ^g.mask)
}

// Poison releases the lock and poisons the whole set. Used when the holder
// failed half way and the protected chunk may be inconsistent.
func (g *Guard) Poison() {
	g.lock.Poison()
	g.Unlock()
}
