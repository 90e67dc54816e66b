/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package uffd drives a userfaultfd(2) handle: ranges are registered for
// missing-page faults, fault events are read by workers and resolved by
// copying or zero-filling pages in.
package uffd

import (
	"encoding/binary"
	"sync"
	"unsafe"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Values from linux/userfaultfd.h. The ioctl numbers use the generic
// encoding shared by amd64 and arm64.
const (
	uffdAPI          = 0xaa
	uffdUserModeOnly = 1

	ioctlAPI        = 0xc018aa3f
	ioctlRegister   = 0xc020aa00
	ioctlUnregister = 0x8010aa01
	ioctlWake       = 0x8010aa02
	ioctlCopy       = 0xc028aa03
	ioctlZeropage   = 0xc020aa04

	registerModeMissing = 1

	eventPagefault = 0x12
	msgSize        = 32
)

var (
	// ErrClosed is returned by ReadEvent once the handle has been stopped.
	ErrClosed = errors.New("userfaultfd closed")
	// ErrExists reports that the destination page was already populated.
	ErrExists = errors.New("page already populated")
)

type uffdioAPI struct {
	api      uint64
	features uint64
	ioctls   uint64
}

type uffdioRange struct {
	start  uint64
	length uint64
}

type uffdioRegister struct {
	rng    uffdioRange
	mode   uint64
	ioctls uint64
}

type uffdioCopy struct {
	dst  uint64
	src  uint64
	len  uint64
	mode uint64
	copy int64
}

type uffdioZeropage struct {
	rng      uffdioRange
	mode     uint64
	zeropage int64
}

// Event is one page fault.
type Event struct {
	Flags   uint64
	Address uintptr
}

type Handle struct {
	fd     int
	stopFd int

	closeOnce sync.Once
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func open() (int, error) {
	flags := unix.O_CLOEXEC | unix.O_NONBLOCK
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, uintptr(flags|uffdUserModeOnly), 0, 0)
	if errno == unix.EINVAL {
		// Kernels before 5.11 do not know UFFD_USER_MODE_ONLY.
		fd, _, errno = unix.Syscall(unix.SYS_USERFAULTFD, uintptr(flags), 0, 0)
	}
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

// New opens a non-blocking userfaultfd and performs the API handshake.
func New() (*Handle, error) {
	fd, err := open()
	if err != nil {
		return nil, errors.Wrap(err, "open userfaultfd")
	}

	api := uffdioAPI{api: uffdAPI}
	if err := ioctl(fd, ioctlAPI, unsafe.Pointer(&api)); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "userfaultfd api handshake")
	}

	stopFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "create stop eventfd")
	}

	return &Handle{fd: fd, stopFd: stopFd}, nil
}

// Register asks for missing-page faults on [addr, addr+length).
func (h *Handle) Register(addr uintptr, length uint64) error {
	reg := uffdioRegister{
		rng:  uffdioRange{start: uint64(addr), length: length},
		mode: registerModeMissing,
	}
	if err := ioctl(h.fd, ioctlRegister, unsafe.Pointer(&reg)); err != nil {
		return errors.Wrapf(err, "register %d bytes at %#x", length, addr)
	}
	return nil
}

func (h *Handle) Unregister(addr uintptr, length uint64) error {
	rng := uffdioRange{start: uint64(addr), length: length}
	if err := ioctl(h.fd, ioctlUnregister, unsafe.Pointer(&rng)); err != nil {
		return errors.Wrapf(err, "unregister %d bytes at %#x", length, addr)
	}
	return nil
}

// Wake resumes threads blocked on faults in [addr, addr+length).
func (h *Handle) Wake(addr uintptr, length uint64) error {
	rng := uffdioRange{start: uint64(addr), length: length}
	if err := ioctl(h.fd, ioctlWake, unsafe.Pointer(&rng)); err != nil {
		return errors.Wrapf(err, "wake %d bytes at %#x", length, addr)
	}
	return nil
}

// Copy atomically fills the missing pages at dst with src and wakes the
// faulting threads. len(src) must be page aligned.
func (h *Handle) Copy(dst uintptr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	var done uint64
	for done < uint64(len(src)) {
		cp := uffdioCopy{
			dst: uint64(dst) + done,
			src: uint64(uintptr(unsafe.Pointer(&src[done]))),
			len: uint64(len(src)) - done,
		}
		err := ioctl(h.fd, ioctlCopy, unsafe.Pointer(&cp))
		switch {
		case err == nil:
			return nil
		case err == unix.EAGAIN && cp.copy > 0:
			// The range changed under us; continue after the copied prefix.
			done += uint64(cp.copy)
		case err == unix.EEXIST:
			return errors.Wrapf(ErrExists, "copy to %#x", dst+uintptr(done))
		default:
			return errors.Wrapf(err, "copy %d bytes to %#x", len(src), dst)
		}
	}
	return nil
}

// Zeropage maps the zero page over [addr, addr+length).
func (h *Handle) Zeropage(addr uintptr, length uint64) error {
	zp := uffdioZeropage{rng: uffdioRange{start: uint64(addr), length: length}}
	if err := ioctl(h.fd, ioctlZeropage, unsafe.Pointer(&zp)); err != nil {
		if err == unix.EEXIST {
			return errors.Wrapf(ErrExists, "zeropage at %#x", addr)
		}
		return errors.Wrapf(err, "zeropage %d bytes at %#x", length, addr)
	}
	return nil
}

// ReadEvent waits for the next page fault. It returns ErrClosed after Stop.
func (h *Handle) ReadEvent() (Event, error) {
	var msg [msgSize]byte
	fds := []unix.PollFd{
		{Fd: int32(h.fd), Events: unix.POLLIN},
		{Fd: int32(h.stopFd), Events: unix.POLLIN},
	}
	for {
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return Event{}, errors.Wrap(err, "poll userfaultfd")
		}
		if fds[1].Revents != 0 {
			return Event{}, ErrClosed
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return Event{}, ErrClosed
		}

		n, err := unix.Read(h.fd, msg[:])
		switch {
		case err == unix.EAGAIN || err == unix.EINTR:
			// Another worker took the event.
			continue
		case err == unix.EBADF:
			return Event{}, ErrClosed
		case err != nil:
			return Event{}, errors.Wrap(err, "read userfaultfd")
		case n == 0:
			return Event{}, ErrClosed
		case n != msgSize:
			return Event{}, errors.Errorf("short userfaultfd message of %d bytes", n)
		}

		if msg[0] != eventPagefault {
			log.L.Warnf("ignoring userfaultfd event %#x", msg[0])
			continue
		}
		return Event{
			Flags:   binary.NativeEndian.Uint64(msg[8:16]),
			Address: uintptr(binary.NativeEndian.Uint64(msg[16:24])),
		}, nil
	}
}

// Stop makes every current and future ReadEvent return ErrClosed.
func (h *Handle) Stop() error {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(h.stopFd, one[:]); err != nil && err != unix.EAGAIN {
		return errors.Wrap(err, "signal userfaultfd stop")
	}
	return nil
}

// Close releases the descriptors. No ReadEvent may be running.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		if e := unix.Close(h.stopFd); e != nil {
			err = errors.Wrap(e, "close stop eventfd")
		}
		if e := unix.Close(h.fd); e != nil {
			err = errors.Wrap(e, "close userfaultfd")
		}
	})
	return err
}
