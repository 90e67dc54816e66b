/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package core

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/chunk"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/digest"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/errdefs"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/metrics"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/mmap"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/object"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/uffd"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/workers"
)

const (
	sourcePopulate  = "populate"
	sourceWriteback = "writeback"
)

// scratch is the per worker buffer populate callbacks write into. It grows
// to the largest load seen and is never shrunk.
type scratch struct {
	mapping *mmap.Mapping
}

func (s *scratch) get(n uint64) ([]byte, error) {
	if s.mapping == nil {
		m, err := mmap.ReadWrite(n)
		if err != nil {
			return nil, err
		}
		s.mapping = m
	} else if s.mapping.Len() < n {
		if err := s.mapping.Resize(n); err != nil {
			return nil, err
		}
	}
	return s.mapping.Slice(0, n)
}

func (s *scratch) release() {
	if s.mapping != nil {
		s.mapping.Release()
	}
}

// populateLoop is the body of every fault worker. At most one worker reads
// the fault descriptor at a time; it asks for a replacement before handling
// what it read.
func (c *Core) populateLoop(p *workers.Pool) {
	var buf scratch
	defer buf.release()

	for p.AwaitWork() {
		ev, err := c.uffd.ReadEvent()
		if errors.Is(err, uffd.ErrClosed) {
			return
		}
		p.RequestWorker()
		if err != nil {
			c.log.WithError(err).Error("failed to read fault event")
			continue
		}

		metrics.Faults.WithLabelValues(c.id).Inc()
		if err := c.handleFault(ev.Address, &buf); err != nil {
			metrics.FaultErrors.WithLabelValues(c.id).Inc()
			c.log.WithError(err).Errorf("failed to resolve fault at %#x", ev.Address)
		}
	}
}

func (c *Core) handleFault(addr uintptr, buf *scratch) error {
	c.state.Lock()
	o, ok := c.state.lookup(addr)
	c.state.Unlock()
	if !ok {
		// Raced with free; unregistering wakes the thread.
		return errors.Wrapf(errdefs.ErrNotFound, "no object at %#x", addr)
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.Freed() {
		return errors.Wrapf(errdefs.ErrNotFound, "object %s freed", o.id)
	}

	cfg := o.config
	off, err := cfg.OffsetOf(uint64(addr - o.memory.Addr()))
	if errdefs.IsHeaderFault(err) {
		// The header is zero filled at allocation and never populated.
		c.log.WithField("object", o.id).WithError(err).Warn("fault inside object header, mapping zero page")
		page := cfg.PageSize()
		base := o.memory.Addr() + uintptr((uint64(addr-o.memory.Addr())/page)*page)
		if zerr := c.uffd.Zeropage(base, page); zerr != nil && !errors.Is(zerr, uffd.ErrExists) {
			return zerr
		}
		return c.uffd.Wake(base, page)
	}
	if err != nil {
		return err
	}
	return c.load(o, cfg.LoadWindow(off), buf)
}

// load resolves the fault on one chunk, from the writeback store when it
// holds the chunk and from the populate callback otherwise.
func (c *Core) load(o *Object, window object.LoadWindow, buf *scratch) error {
	// Eviction, writeback included, runs under the state lock, so concurrent
	// loads queue here until it finishes.
	c.state.Lock()
	err := c.state.chunks.EnsureCapacity(window.Size)
	c.reportResidentLocked()
	c.state.Unlock()
	if err != nil {
		// Loading anyway only overshoots the high watermark.
		c.log.WithError(err).Warn("eviction fell short")
	}

	dst := o.memory.Addr() + uintptr(window.Offset.Absolute)
	guard, err := o.store.Locks().SpinLock(window.Offset.Chunk)
	if err != nil {
		return errors.Wrapf(err, "lock chunk %d of object %s", window.Offset.Chunk, o.id)
	}

	data, source, err := c.fill(o, window, buf, guard.Poison)
	if err != nil {
		guard.Unlock()
		return err
	}
	err = c.uffd.Copy(dst, data)
	guard.Unlock()
	if errors.Is(err, uffd.ErrExists) {
		// Another fault on the chunk resolved it first.
		return c.uffd.Wake(dst, window.Size)
	}
	if err != nil {
		return err
	}

	ch := chunk.New(o.id, objectRef{p: o.self}, window.Offset, window.Size)
	c.state.Lock()
	if !o.Freed() {
		c.state.chunks.Add(ch)
		c.reportResidentLocked()
	}
	c.state.Unlock()

	metrics.ChunkLoads.WithLabelValues(c.id, source).Inc()
	if !o.config.ShouldWriteback() {
		ch.Publish(nil)
		return nil
	}
	// Hashed from the buffer that was copied in: the object pages may
	// already be on their way out to an evictor waiting for this digest.
	d := digest.Of(data)
	ch.Publish(&d)

	if c.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		c.log.WithField("object", o.id).Tracef("chunk %d loaded from %s, %s", window.Offset.Chunk, source, d)
	}
	return nil
}

// fill produces the bytes of window. It runs with the chunk lock held.
func (c *Core) fill(o *Object, window object.LoadWindow, buf *scratch, poison func()) (data []byte, source string, err error) {
	if saved, ok := o.store.TryReadback(window.Offset); ok {
		return saved, sourceWriteback, nil
	}

	out, err := buf.get(window.Size)
	if err != nil {
		return nil, "", err
	}
	fill := window.FillSize(o.config.Stride)
	clear(out[fill:])

	defer func() {
		if r := recover(); r != nil {
			poison()
			data, source = nil, ""
			err = errors.Wrapf(errdefs.ErrPopulate, "populate of elements [%d, %d) panicked: %v", window.Start, window.End, r)
		}
	}()
	start := time.Now()
	if err := o.populate(window.Start, window.End, out[:fill:fill]); err != nil {
		return nil, "", errors.Wrapf(errdefs.ErrPopulate, "elements [%d, %d): %s", window.Start, window.End, err)
	}
	metrics.PopulateDuration.WithLabelValues(c.id).Observe(time.Since(start).Seconds())
	return out, sourcePopulate, nil
}

