/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package chunk

import (
	"container/list"
	"runtime"
	"sync/atomic"

	"github.com/containerd/log"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/metrics"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/object"
)

// FIFO tracks resident chunks in load order and keeps their total size
// between the watermarks. It is not safe for concurrent use; the owner
// serializes access.
type FIFO struct {
	name   string
	low    uint64
	high   uint64
	chunks *list.List
	used   uint64
	freers []*Freer
}

func NewFIFO(name string, low, high uint64) *FIFO {
	return &FIFO{
		name:   name,
		low:    low,
		high:   high,
		chunks: list.New(),
	}
}

func (q *FIFO) UsedMemory() uint64 {
	return q.used
}

func (q *FIFO) Len() int {
	return q.chunks.Len()
}

func (q *FIFO) Add(c *Chunk) {
	q.chunks.PushBack(c)
	q.used += c.Size()
}

// DropObject tombstones every chunk of object id and removes tombstones from
// the queue.
func (q *FIFO) DropObject(id object.ID) {
	var used uint64
	for e := q.chunks.Front(); e != nil; {
		next := e.Next()
		c := e.Value.(*Chunk)
		if c.object == id {
			c.Tombstone()
		}
		if c.Tombstoned() {
			q.chunks.Remove(e)
		} else {
			used += c.Size()
		}
		e = next
	}
	q.used = used
}

// EnsureCapacity makes room for a load of toLoad bytes.
func (q *FIFO) EnsureCapacity(toLoad uint64) error {
	if q.used+toLoad <= q.high {
		return nil
	}
	return q.FreeUntilLowWatermark()
}

// FreeUntilLowWatermark evicts the oldest chunks, in parallel, until the
// resident total is at or below the low watermark. It returns only after
// every victim is written back, so the owner's lock covers the writeback.
func (q *FIFO) FreeUntilLowWatermark() error {
	var (
		victims  []*Chunk
		willFree uint64
	)
	for q.used-willFree > q.low {
		e := q.chunks.Front()
		if e == nil {
			break
		}
		c := q.chunks.Remove(e).(*Chunk)
		willFree += c.Size()
		victims = append(victims, c)
	}
	if len(victims) == 0 {
		return nil
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > len(victims) {
		workers = len(victims)
	}
	for len(q.freers) < workers {
		q.freers = append(q.freers, &Freer{})
	}

	var (
		g     errgroup.Group
		freed atomic.Uint64
	)
	for i := 0; i < workers; i++ {
		f := q.freers[i]
		g.Go(func() error {
			for j := i; j < len(victims); j += workers {
				c := victims[j]
				size, outcome, err := f.Free(c)
				freed.Add(size)
				if size > 0 {
					metrics.EvictedChunks.WithLabelValues(q.name, outcome.String()).Inc()
				}
				if err != nil {
					return errors.Wrapf(err, "evict chunk %d of object %s", c.offset.Chunk, c.object)
				}
			}
			return nil
		})
	}
	err := g.Wait()

	// Chunks that could not be freed stay resident and keep their place.
	for i := len(victims) - 1; i >= 0; i-- {
		if c := victims[i]; !c.Tombstoned() {
			q.chunks.PushFront(c)
			willFree -= c.Size()
		}
	}
	q.used -= willFree
	metrics.EvictedBytes.WithLabelValues(q.name).Add(float64(freed.Load()))

	log.L.WithField("core", q.name).Debugf("evicted %d chunks, %s freed, %s resident",
		len(victims), humanize.IBytes(freed.Load()), humanize.IBytes(q.used))

	if err != nil {
		return err
	}
	if q.used > q.low {
		return errors.Errorf("%d bytes resident after eviction, low watermark is %d", q.used, q.low)
	}
	return nil
}

// Release unmaps the pivots of every freer.
func (q *FIFO) Release() error {
	var err error
	for _, f := range q.freers {
		if e := f.Release(); e != nil {
			err = e
		}
	}
	q.freers = nil
	return err
}
