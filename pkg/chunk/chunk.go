/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package chunk

import (
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/bitlock"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/digest"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/latch"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/mmap"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/object"
)

// Backing is where an evicted chunk is saved, with the locks serializing
// its loads and evictions. *writeback.Store implements it.
type Backing interface {
	Locks() *bitlock.Bitlock
	Writeback(off object.Offset, data []byte) error
}

// Source is the live object a chunk was loaded into.
type Source interface {
	ID() object.ID
	Config() *object.Config
	Memory() *mmap.Mapping
	Backing() Backing
}

// Ref resolves a chunk's object without keeping it alive. Upgrade fails once
// the object has been freed.
type Ref interface {
	Upgrade() (Source, bool)
}

// Chunk is one resident, loaded region of an object. Its length is mutated
// only by the holder of the FIFO's owning lock, or by the evictor that popped
// it from the FIFO.
type Chunk struct {
	object object.ID
	ref    Ref
	offset object.Offset
	length uint64
	hash   *latch.Latch[*digest.Digest]
}

func New(id object.ID, ref Ref, offset object.Offset, length uint64) *Chunk {
	return &Chunk{
		object: id,
		ref:    ref,
		offset: offset,
		length: length,
		hash:   latch.New[*digest.Digest](),
	}
}

func (c *Chunk) ObjectID() object.ID {
	return c.object
}

func (c *Chunk) Offset() object.Offset {
	return c.offset
}

// Size is the number of resident bytes, zero once tombstoned.
func (c *Chunk) Size() uint64 {
	return c.length
}

func (c *Chunk) Tombstoned() bool {
	return c.length == 0
}

func (c *Chunk) Tombstone() {
	c.length = 0
}

// Publish records the digest of the chunk as loaded, nil when the object
// never writes back.
func (c *Chunk) Publish(d *digest.Digest) {
	c.hash.Set(d)
}

// Digest waits for the loaded digest.
func (c *Chunk) Digest() *digest.Digest {
	return c.hash.Get()
}
