/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package writeback

import (
	"sync/atomic"
	"unsafe"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/bitlock"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/mmap"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/object"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/utils/align"
)

// Store keeps evicted chunks of one object in an unlinked temp file laid out
// as
//
//	| presence bitmap | chunk locks | body, chunk for chunk |
//
// The bitmap and the lock segment have the same page aligned size.
type Store struct {
	id         object.ID
	chunkCount uint64
	chunkSize  uint64
	dataSize   uint64
	bitmapSize uint64
	bodySize   uint64

	mapping *mmap.Mapping
	bitmap  []uint32
	locks   *bitlock.Bitlock
}

// New creates the store for an object with the given layout in dir.
func New(dir string, id object.ID, cfg *object.Config) (*Store, error) {
	chunkCount := cfg.ChunkCount()
	chunkSize := cfg.LoadSize()
	bitmapSize := align.Up(bitlock.RegionSize(chunkCount), cfg.PageSize())
	bodySize := align.Up(cfg.ElementCount*cfg.Stride, chunkSize)
	total := 2*bitmapSize + bodySize

	mapping, err := mmap.TempFile(dir, total)
	if err != nil {
		return nil, errors.Wrapf(err, "create writeback file for object %s", id)
	}

	base := mapping.Bytes()
	locks, err := bitlock.New(base[bitmapSize:2*bitmapSize], chunkCount)
	if err != nil {
		mapping.Release()
		return nil, err
	}

	log.L.WithField("object", id).Debugf("writeback store of %d chunks, %d bytes", chunkCount, total)

	return &Store{
		id:         id,
		chunkCount: chunkCount,
		chunkSize:  chunkSize,
		dataSize:   cfg.BodySize(),
		bitmapSize: bitmapSize,
		bodySize:   bodySize,
		mapping:    mapping,
		bitmap:     unsafe.Slice((*uint32)(unsafe.Pointer(&base[0])), bitmapSize/4),
		locks:      locks,
	}, nil
}

// Locks are the per chunk locks serializing loads and evictions.
func (s *Store) Locks() *bitlock.Bitlock {
	return s.locks
}

func (s *Store) Size() uint64 {
	return s.mapping.Len()
}

// ExpectedSize is the length of chunk as loaded into the object.
func (s *Store) ExpectedSize(chunk uint64) uint64 {
	off := chunk * s.chunkSize
	if rest := s.dataSize - off; rest < s.chunkSize {
		return rest
	}
	return s.chunkSize
}

func (s *Store) bit(chunk uint64) (*uint32, uint32) {
	return &s.bitmap[chunk/32], 1 << (chunk % 32)
}

// Present reports whether chunk has been written back.
func (s *Store) Present(chunk uint64) bool {
	if chunk >= s.chunkCount {
		return false
	}
	word, mask := s.bit(chunk)
	return atomic.LoadUint32(word)&mask != 0
}

// TryReadback returns the saved bytes of the chunk at off, or false if the
// chunk was never written back. The returned slice aliases the store.
func (s *Store) TryReadback(off object.Offset) ([]byte, bool) {
	if !s.Present(off.Chunk) {
		return nil, false
	}
	data, err := s.mapping.Slice(2*s.bitmapSize+off.Chunk*s.chunkSize, s.ExpectedSize(off.Chunk))
	if err != nil {
		return nil, false
	}
	log.L.WithField("object", s.id).Tracef("readback chunk %d", off.Chunk)
	return data, true
}

// Writeback saves data as the content of the chunk at off. The presence bit
// is set only after the copy completes.
func (s *Store) Writeback(off object.Offset, data []byte) error {
	if off.Chunk >= s.chunkCount {
		return errors.Errorf("chunk %d out of %d", off.Chunk, s.chunkCount)
	}
	expected := s.ExpectedSize(off.Chunk)
	if uint64(len(data)) != expected {
		return errors.Errorf("chunk %d writeback of %d bytes, expected %d", off.Chunk, len(data), expected)
	}
	dst, err := s.mapping.Slice(2*s.bitmapSize+off.Chunk*s.chunkSize, expected)
	if err != nil {
		return err
	}
	copy(dst, data)

	word, mask := s.bit(off.Chunk)
	atomic.OrUint32(word, mask)
	log.L.WithField("object", s.id).Tracef("writeback chunk %d", off.Chunk)
	return nil
}

// Reset forgets every written chunk by punching out the whole file. The
// caller must guarantee no chunk lock is held.
func (s *Store) Reset() error {
	if err := s.mapping.PunchHole(0, s.mapping.Len()); err != nil {
		return errors.Wrapf(err, "reset writeback of object %s", s.id)
	}
	return nil
}

func (s *Store) Close() error {
	return s.mapping.Release()
}
