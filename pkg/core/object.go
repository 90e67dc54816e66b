/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package core

import (
	"sync"
	"sync/atomic"
	"unsafe"
	"weak"

	"github.com/pkg/errors"

	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/chunk"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/errdefs"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/mmap"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/object"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/writeback"
)

// Object is a lazily populated array. Its body is filled chunk by chunk by
// the populate function the first time each chunk is touched.
//
// An Object must not be used after Free.
type Object struct {
	id       object.ID
	config   *object.Config
	populate object.PopulateFunc
	memory   *mmap.Mapping
	store    *writeback.Store
	// Evictions save chunks through backing, normally store.
	backing chunk.Backing

	core weak.Pointer[Core]
	self weak.Pointer[Object]

	// Faults hold mu shared; reset and free hold it exclusively.
	mu    sync.RWMutex
	freed atomic.Bool
}

func (o *Object) ID() object.ID {
	return o.id
}

func (o *Object) Config() *object.Config {
	return o.config
}

func (o *Object) Memory() *mmap.Mapping {
	return o.memory
}

func (o *Object) Writeback() *writeback.Store {
	return o.store
}

func (o *Object) Backing() chunk.Backing {
	return o.backing
}

func (o *Object) Freed() bool {
	return o.freed.Load()
}

// Header returns the header bytes, which end where the body starts.
func (o *Object) Header() []byte {
	if o.Freed() {
		return nil
	}
	padded := o.config.HeaderSizePadded
	return o.memory.Bytes()[padded-o.config.HeaderSize : padded : padded]
}

// Body returns the element bytes. Touching them populates the object.
func (o *Object) Body() []byte {
	if o.Freed() {
		return nil
	}
	padded := o.config.HeaderSizePadded
	end := padded + o.config.ElementCount*o.config.Stride
	return o.memory.Bytes()[padded:end:end]
}

func (o *Object) HeaderPointer() unsafe.Pointer {
	if o.Freed() {
		return nil
	}
	return unsafe.Add(unsafe.Pointer(unsafe.SliceData(o.memory.Bytes())), o.config.HeaderSizePadded-o.config.HeaderSize)
}

func (o *Object) BodyPointer() unsafe.Pointer {
	if o.Freed() {
		return nil
	}
	return unsafe.Add(unsafe.Pointer(unsafe.SliceData(o.memory.Bytes())), o.config.HeaderSizePadded)
}

func (o *Object) upgradeCore() (*Core, error) {
	c := o.core.Value()
	if c == nil {
		return nil, errors.Wrapf(errdefs.ErrCoreShutdown, "object %s", o.id)
	}
	return c, nil
}

// Reset discards every change to the body, so the next access repopulates
// it from the populate function. Blocks until done.
func (o *Object) Reset() error {
	c, err := o.upgradeCore()
	if err != nil {
		return err
	}
	_, err = c.send(&request{kind: resetRequest, id: o.id})
	return err
}

// Free unregisters and unmaps the object. Blocks until done.
func (o *Object) Free() error {
	c, err := o.upgradeCore()
	if err != nil {
		return err
	}
	_, err = c.send(&request{kind: freeRequest, id: o.id})
	return err
}

// objectRef lets resident chunks reach their object without keeping it
// alive.
type objectRef struct {
	p weak.Pointer[Object]
}

func (r objectRef) Upgrade() (chunk.Source, bool) {
	o := r.p.Value()
	if o == nil || o.Freed() {
		return nil, false
	}
	return o, true
}
