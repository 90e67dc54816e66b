/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package mmap

import (
	"os"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// openTemp creates a file in dir with no name, so it disappears once the
// last handle on it is closed.
func openTemp(dir string) (*os.File, error) {
	fd, err := unix.Open(dir, unix.O_RDWR|unix.O_TMPFILE|unix.O_CLOEXEC, 0600)
	if err == nil {
		return os.NewFile(uintptr(fd), dir+"/(tmpfile)"), nil
	}
	if !errors.Is(err, unix.EOPNOTSUPP) && !errors.Is(err, unix.EISDIR) && !errors.Is(err, unix.EINVAL) {
		return nil, errors.Wrapf(err, "open tmpfile in %q", dir)
	}

	log.L.WithError(err).Debugf("O_TMPFILE unsupported in %q, falling back to unlinked file", dir)
	f, err := os.CreateTemp(dir, "nydus-ufo-*")
	if err != nil {
		return nil, errors.Wrapf(err, "create temp file in %q", dir)
	}
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "unlink temp file %q", f.Name())
	}
	return f, nil
}

// TempFile creates an unlinked file of length bytes in dir and maps it
// shared and read-write. The file lives exactly as long as the mapping.
func TempFile(dir string, length uint64) (*Mapping, error) {
	if length == 0 {
		return nil, errors.Wrap(unix.EINVAL, "map zero bytes")
	}
	f, err := openTemp(dir)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(length)); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "truncate temp file to %d bytes", length)
	}
	base, err := mmap(length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, int(f.Fd()))
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "mmap %d bytes of temp file", length)
	}
	return &Mapping{base: base, length: length, file: f}, nil
}

// File returns the backing file of a file mapping, nil for anonymous ones.
func (m *Mapping) File() *os.File {
	return m.file
}

// PunchHole deallocates [off, off+n) of the backing file. Subsequent reads
// through the mapping return zeroes.
func (m *Mapping) PunchHole(off, n uint64) error {
	if err := m.check(off, n); err != nil {
		return err
	}
	if m.file == nil {
		return errors.Wrap(unix.EINVAL, "punch hole in anonymous mapping")
	}
	if err := unix.Fallocate(
		int(m.file.Fd()),
		unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE,
		int64(off),
		int64(n)); err != nil {
		return errors.Wrapf(err, "punch hole [%d, %d)", off, off+n)
	}
	return nil
}
