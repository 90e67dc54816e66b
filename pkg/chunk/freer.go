/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package chunk

import (
	"github.com/containerd/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/bitlock"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/digest"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/mmap"
)

// Outcome is what eviction did with a chunk's content.
type Outcome int

const (
	// The object was gone already.
	Dropped Outcome = iota
	// Read-only object, pages thrown away.
	Discarded
	// Content matched the loaded digest, nothing written.
	Clean
	// Content changed and was saved to the writeback store.
	WrittenBack
)

func (o Outcome) String() string {
	switch o {
	case Dropped:
		return "dropped"
	case Discarded:
		return "discarded"
	case Clean:
		return "clean"
	case WrittenBack:
		return "written_back"
	default:
		return "unknown"
	}
}

// Freer evicts chunks. Each freer owns a pivot mapping that chunk pages are
// moved into, so a chunk can be inspected while the object stays usable.
// A Freer is not safe for concurrent use.
type Freer struct {
	pivot *mmap.Mapping
}

func (f *Freer) ensurePivot(length uint64) error {
	if f.pivot != nil && f.pivot.Len() >= length {
		return nil
	}
	// The pivot is made of moved-in VMAs and cannot be resized with
	// mremap, so map a fresh one.
	if f.pivot != nil {
		if err := f.pivot.Release(); err != nil {
			return err
		}
		f.pivot = nil
	}
	pivot, err := mmap.ReadWrite(length)
	if err != nil {
		return errors.Wrap(err, "map eviction pivot")
	}
	f.pivot = pivot
	return nil
}

// Free returns the chunk's pages to the kernel, saving them first when they
// changed since load. It returns the number of bytes released.
func (f *Freer) Free(c *Chunk) (uint64, Outcome, error) {
	length := c.Size()
	if length == 0 {
		return 0, Dropped, nil
	}
	src, ok := c.ref.Upgrade()
	if !ok {
		c.Tombstone()
		return length, Dropped, nil
	}

	mem := src.Memory()
	if !src.Config().ShouldWriteback() {
		if err := mem.Advise(c.offset.Absolute, length, unix.MADV_DONTNEED); err != nil {
			return 0, Dropped, err
		}
		c.Tombstone()
		return length, Discarded, nil
	}

	store := src.Backing()
	guard, err := store.Locks().TryLock(c.offset.Chunk)
	if errors.Is(err, bitlock.ErrContended) {
		// A duplicate fault on this chunk is still running its load.
		log.L.WithField("object", c.object).Debugf("chunk %d lock contended during eviction", c.offset.Chunk)
		guard, err = store.Locks().SpinLock(c.offset.Chunk)
	}
	if err != nil {
		return 0, Dropped, errors.Wrapf(err, "lock chunk %d", c.offset.Chunk)
	}
	// Held until the content is in the store: a re-fault must not read back
	// a stale copy.
	defer guard.Unlock()

	if err := f.ensurePivot(length); err != nil {
		return 0, Dropped, err
	}
	if err := mem.MoveTo(f.pivot, c.offset.Absolute, length); err != nil {
		return 0, Dropped, err
	}
	c.Tombstone()
	snapshot, err := f.pivot.Slice(0, length)
	if err != nil {
		return 0, Dropped, err
	}

	outcome := Clean
	if loaded := c.Digest(); loaded == nil || *loaded != digest.Of(snapshot) {
		if err := store.Writeback(c.offset, snapshot); err != nil {
			// The pages have left the object, so the chunk is lost.
			guard.Poison()
			return length, Dropped, errors.Wrapf(err, "write back chunk %d", c.offset.Chunk)
		}
		outcome = WrittenBack
	}

	if err := f.pivot.Advise(0, length, unix.MADV_DONTNEED); err != nil {
		return length, outcome, err
	}
	return length, outcome, nil
}

// Release unmaps the pivot.
func (f *Freer) Release() error {
	if f.pivot == nil {
		return nil
	}
	err := f.pivot.Release()
	f.pivot = nil
	return err
}
