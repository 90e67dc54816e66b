/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package core

import (
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/errdefs"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/metrics"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/mmap"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/object"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/writeback"
)

type requestKind int

const (
	allocateRequest requestKind = iota
	resetRequest
	freeRequest
	shutdownRequest
)

func (k requestKind) String() string {
	switch k {
	case allocateRequest:
		return "allocate"
	case resetRequest:
		return "reset"
	case freeRequest:
		return "free"
	case shutdownRequest:
		return "shutdown"
	default:
		return "unknown"
	}
}

type request struct {
	kind     requestKind
	id       object.ID
	config   *object.Config
	populate object.PopulateFunc
	reply    chan result
}

type result struct {
	object *Object
	err    error
}

// send hands req to the control loop and waits for its reply.
func (c *Core) send(req *request) (*Object, error) {
	req.reply = make(chan result, 1)
	select {
	case c.requests <- req:
	case <-c.done:
		return nil, errors.Wrap(errdefs.ErrCoreShutdown, req.kind.String())
	}

	select {
	case r := <-req.reply:
		return r.object, r.err
	case <-c.done:
		select {
		case r := <-req.reply:
			return r.object, r.err
		default:
			return nil, errors.Wrapf(errdefs.ErrCoreBroken, "%s request dropped", req.kind)
		}
	}
}

// controlLoop is the only place objects enter or leave the indices. It
// handles one request at a time.
func (c *Core) controlLoop() {
	defer close(c.done)
	for req := range c.requests {
		switch req.kind {
		case allocateRequest:
			o, err := c.allocate(req.config, req.populate)
			req.reply <- result{object: o, err: err}
		case resetRequest:
			req.reply <- result{err: c.reset(req.id)}
		case freeRequest:
			req.reply <- result{err: c.free(req.id)}
		case shutdownRequest:
			c.shutdown()
			req.reply <- result{}
			return
		}
	}
}

func (c *Core) allocate(cfg *object.Config, populate object.PopulateFunc) (_ *Object, retErr error) {
	c.state.Lock()
	id := c.state.nextID()
	c.state.Unlock()

	memory, err := mmap.ReadWrite(cfg.TrueSize)
	if err != nil {
		return nil, err
	}
	defer func() {
		if retErr != nil {
			memory.Release()
		}
	}()

	store, err := writeback.New(c.config.WritebackTempPath, id, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if retErr != nil {
			store.Close()
		}
	}()

	if err := c.uffd.Register(memory.Addr(), memory.Len()); err != nil {
		return nil, err
	}
	defer func() {
		if retErr != nil {
			c.uffd.Unregister(memory.Addr(), memory.Len())
		}
	}()

	// The header is never populated, so it is zero filled up front.
	if cfg.HeaderSizePadded > 0 {
		if err := c.uffd.Zeropage(memory.Addr(), cfg.HeaderSizePadded); err != nil {
			return nil, err
		}
	}

	o := c.newObject(id, cfg, populate)
	o.memory = memory
	o.store = store
	o.backing = store

	c.state.Lock()
	err = c.state.add(o)
	objects := c.state.size()
	c.state.Unlock()
	if err != nil {
		return nil, err
	}
	metrics.Objects.WithLabelValues(c.id).Set(float64(objects))

	c.log.WithField("object", id).Debugf("allocated %d elements of %d bytes, %s mapped at %#x",
		cfg.ElementCount, cfg.Stride, humanize.IBytes(cfg.TrueSize), memory.Addr())
	return o, nil
}

func (c *Core) reset(id object.ID) error {
	c.state.Lock()
	o, ok := c.state.get(id)
	c.state.Unlock()
	if !ok {
		return errors.Wrapf(errdefs.ErrNotFound, "object %s", id)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Freed() {
		return errors.Wrapf(errdefs.ErrNotFound, "object %s", id)
	}
	if o.store.Locks().Poisoned() {
		return errors.Wrapf(errdefs.ErrLockPoisoned, "reset object %s", id)
	}

	// Under the state lock so no eviction of this object is in flight.
	c.state.Lock()
	defer c.state.Unlock()
	if err := o.memory.Advise(o.config.HeaderSizePadded, o.config.BodySize(), unix.MADV_DONTNEED); err != nil {
		return errors.Wrapf(err, "drop body of object %s", id)
	}
	if err := o.store.Reset(); err != nil {
		return err
	}
	c.state.chunks.DropObject(id)
	c.reportResidentLocked()

	c.log.WithField("object", id).Debug("reset")
	return nil
}

func (c *Core) free(id object.ID) error {
	c.state.Lock()
	o, ok := c.state.get(id)
	if !ok {
		c.state.Unlock()
		return errors.Wrapf(errdefs.ErrNotFound, "object %s", id)
	}
	c.state.remove(o)
	o.freed.Store(true)
	c.state.chunks.DropObject(id)
	c.reportResidentLocked()
	objects := c.state.size()
	c.state.Unlock()
	metrics.Objects.WithLabelValues(c.id).Set(float64(objects))

	// Wait for in-flight faults on the object to drain.
	o.mu.Lock()
	defer o.mu.Unlock()

	var retErr error
	if err := c.uffd.Unregister(o.memory.Addr(), o.memory.Len()); err != nil {
		retErr = err
	}
	if err := o.memory.Release(); err != nil && retErr == nil {
		retErr = err
	}
	if err := o.store.Close(); err != nil && retErr == nil {
		retErr = err
	}

	c.log.WithField("object", id).Debug("freed")
	return retErr
}

func (c *Core) shutdown() {
	c.state.Lock()
	objects := c.state.list()
	c.state.Unlock()

	for _, o := range objects {
		if err := c.free(o.id); err != nil {
			c.log.WithError(err).Errorf("failed to free object %s on shutdown", o.id)
		}
	}

	c.pool.Shutdown()
	if err := c.uffd.Stop(); err != nil {
		c.log.WithError(err).Error("failed to stop fault delivery")
	}
	c.pool.Wait()

	c.state.Lock()
	if err := c.state.chunks.Release(); err != nil {
		c.log.WithError(err).Warn("failed to release eviction pivots")
	}
	c.state.Unlock()
	metrics.Forget(c.id)
}

// reportResidentLocked publishes the resident byte count. Callers hold the
// state lock.
func (c *Core) reportResidentLocked() {
	metrics.ResidentBytes.WithLabelValues(c.id).Set(float64(c.state.chunks.UsedMemory()))
}
