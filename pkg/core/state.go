/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package core

import (
	"slices"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/chunk"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/errdefs"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/object"
)

// state holds everything shared between the control loop and the fault
// workers. Callers hold the embedded lock around every method call.
type state struct {
	sync.Mutex
	ids      object.IDGen
	idxByID  map[object.ID]*Object
	segments []*Object // sorted by base address, never overlapping
	chunks   *chunk.FIFO
}

func newState(name string, low, high uint64) *state {
	return &state{
		idxByID: make(map[object.ID]*Object),
		chunks:  chunk.NewFIFO(name, low, high),
	}
}

func (s *state) nextID() object.ID {
	return s.ids.Next(func(id object.ID) bool {
		_, ok := s.idxByID[id]
		return ok
	})
}

func (s *state) get(id object.ID) (*Object, bool) {
	o, ok := s.idxByID[id]
	return o, ok
}

// lookup finds the object whose mapping contains addr.
func (s *state) lookup(addr uintptr) (*Object, bool) {
	i := sort.Search(len(s.segments), func(i int) bool {
		return s.segments[i].memory.Addr() > addr
	})
	if i == 0 {
		return nil, false
	}
	o := s.segments[i-1]
	if !o.memory.Contains(addr) {
		return nil, false
	}
	return o, true
}

func (s *state) add(o *Object) error {
	if _, ok := s.idxByID[o.id]; ok {
		return errors.Wrapf(errdefs.ErrAlreadyExists, "object %s", o.id)
	}
	base := o.memory.Addr()
	end := base + uintptr(o.memory.Len())
	i := sort.Search(len(s.segments), func(i int) bool {
		return s.segments[i].memory.Addr() >= base
	})
	if i > 0 && s.segments[i-1].memory.Contains(base) {
		return errors.Wrapf(errdefs.ErrAlreadyExists, "range at %#x overlaps object %s", base, s.segments[i-1].id)
	}
	if i < len(s.segments) && s.segments[i].memory.Addr() < end {
		return errors.Wrapf(errdefs.ErrAlreadyExists, "range at %#x overlaps object %s", base, s.segments[i].id)
	}
	s.segments = slices.Insert(s.segments, i, o)
	s.idxByID[o.id] = o
	return nil
}

func (s *state) remove(o *Object) {
	delete(s.idxByID, o.id)
	s.segments = slices.DeleteFunc(s.segments, func(other *Object) bool {
		return other == o
	})
}

func (s *state) list() []*Object {
	res := make([]*Object, len(s.segments))
	copy(res, s.segments)
	return res
}

func (s *state) size() int {
	return len(s.idxByID)
}
