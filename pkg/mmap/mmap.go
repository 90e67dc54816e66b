/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package mmap

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	ErrReleased   = errors.New("mapping already released")
	ErrOutOfRange = errors.New("range outside of mapping")

	pageSize = uint64(os.Getpagesize())
)

func PageSize() uint64 {
	return pageSize
}

// Mapping is a region of virtual memory owned by the process. The region is
// managed through the pointer based calls so it can be moved and resized
// without the bookkeeping unix.Mmap keeps for its own mappings.
type Mapping struct {
	base     unsafe.Pointer
	length   uint64
	file     *os.File
	released bool
}

func mmap(length uint64, prot, flags, fd int) (unsafe.Pointer, error) {
	return unix.MmapPtr(fd, 0, nil, uintptr(length), prot, flags)
}

// Anonymous maps length bytes of private anonymous memory. flags are ORed
// with MAP_PRIVATE|MAP_ANONYMOUS.
func Anonymous(length uint64, prot, flags int) (*Mapping, error) {
	if length == 0 {
		return nil, errors.Wrap(unix.EINVAL, "map zero bytes")
	}
	base, err := mmap(length, prot, flags|unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, -1)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %d anonymous bytes", length)
	}
	return &Mapping{base: base, length: length}, nil
}

// ReadWrite maps length bytes of anonymous read-write memory.
func ReadWrite(length uint64) (*Mapping, error) {
	return Anonymous(length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_NORESERVE)
}

func (m *Mapping) Addr() uintptr {
	return uintptr(m.base)
}

func (m *Mapping) Len() uint64 {
	return m.length
}

func (m *Mapping) Released() bool {
	return m.released
}

// Contains reports whether addr falls inside the mapping.
func (m *Mapping) Contains(addr uintptr) bool {
	base := uintptr(m.base)
	return addr >= base && uint64(addr-base) < m.length
}

// Bytes returns the whole mapping as a slice. The slice must not be used
// after Release.
func (m *Mapping) Bytes() []byte {
	if m.released {
		return nil
	}
	return unsafe.Slice((*byte)(m.base), m.length)
}

// Slice returns n bytes starting at off, checking bounds and liveness.
func (m *Mapping) Slice(off, n uint64) ([]byte, error) {
	if err := m.check(off, n); err != nil {
		return nil, err
	}
	return m.Bytes()[off : off+n : off+n], nil
}

func (m *Mapping) check(off, n uint64) error {
	if m.released {
		return ErrReleased
	}
	if off > m.length || n > m.length-off {
		return errors.Wrapf(ErrOutOfRange, "[%d, %d) of %d bytes", off, off+n, m.length)
	}
	return nil
}

// Resize grows or shrinks the mapping, possibly relocating it. Contents up to
// the smaller of the two sizes are preserved.
func (m *Mapping) Resize(length uint64) error {
	if m.released {
		return ErrReleased
	}
	if length == m.length {
		return nil
	}
	base, err := unix.MremapPtr(m.base, uintptr(m.length), nil, uintptr(length), unix.MREMAP_MAYMOVE)
	if err != nil {
		return errors.Wrapf(err, "mremap %d to %d bytes", m.length, length)
	}
	m.base = base
	m.length = length
	return nil
}

// MoveTo moves the pages backing [off, off+n) to the start of dst. The source
// range stays mapped but empty, so later accesses to it fault as if the pages
// had never been touched.
func (m *Mapping) MoveTo(dst *Mapping, off, n uint64) error {
	if err := m.check(off, n); err != nil {
		return err
	}
	if err := dst.check(0, n); err != nil {
		return err
	}
	src := unsafe.Add(m.base, off)
	if _, err := unix.MremapPtr(src, uintptr(n), dst.base, uintptr(n),
		unix.MREMAP_MAYMOVE|unix.MREMAP_FIXED|unix.MREMAP_DONTUNMAP); err != nil {
		return errors.Wrapf(err, "mremap %d bytes at %p to %p", n, src, dst.base)
	}
	return nil
}

// Advise applies madvise(2) advice to [off, off+n).
func (m *Mapping) Advise(off, n uint64, advice int) error {
	if err := m.check(off, n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if err := unix.Madvise(m.Bytes()[off:off+n], advice); err != nil {
		return errors.Wrapf(err, "madvise %d on %d bytes at offset %d", advice, n, off)
	}
	return nil
}

// Release unmaps the region and closes the backing file, if any. Releasing
// twice is a no-op.
func (m *Mapping) Release() error {
	if m.released {
		return nil
	}
	m.released = true
	if err := unix.MunmapPtr(m.base, uintptr(m.length)); err != nil {
		return errors.Wrapf(err, "munmap %d bytes at %p", m.length, m.base)
	}
	if m.file != nil {
		if err := m.file.Close(); err != nil {
			return errors.Wrap(err, "close backing file")
		}
	}
	return nil
}
